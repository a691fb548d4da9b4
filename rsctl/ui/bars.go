// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ui

import (
	"sync"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"
)

// KeyBar lists the keys that work on the current screen.  A key
// written as "[Q]" is highlighted.
type KeyBar struct {
	once sync.Once
	views.SimpleStyledTextBar
}

func (k *KeyBar) Init() {
	k.once.Do(func() {
		normal := tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorSilver)
		alternate := tcell.StyleDefault.
			Foreground(tcell.ColorBlue).
			Background(tcell.ColorSilver).Bold(true)

		k.SimpleStyledTextBar.Init()
		k.SimpleStyledTextBar.SetStyle(normal)
		k.RegisterLeftStyle('N', normal)
		k.RegisterLeftStyle('A', alternate)
	})
}

// keyMarkup converts "[Q] Quit" words to styled text bar markup.
func keyMarkup(words []string) string {
	b := make([]rune, 0, 80)
	for i, w := range words {
		esc := false
		if i != 0 && len(w) != 0 {
			b = append(b, ' ')
		}
		for _, r := range w {
			switch {
			case r == '%':
				b = append(b, '%', '%')
			case esc && r == ']':
				b = append(b, '%', 'N', r)
				esc = false
			case !esc && r == '[':
				b = append(b, r, '%', 'A')
				esc = true
			default:
				b = append(b, r)
			}
		}
	}
	return string(b)
}

func (k *KeyBar) SetKeys(words []string) {
	k.SetLeft(keyMarkup(words))
}

func NewKeyBar() *KeyBar {
	kb := &KeyBar{}
	kb.Init()
	return kb
}

type TitleBar struct {
	once sync.Once
	views.SimpleStyledTextBar
}

func (tb *TitleBar) Init() {
	tb.once.Do(func() {
		normal := tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorSilver)
		alternate := tcell.StyleDefault.
			Foreground(tcell.ColorBlue).
			Background(tcell.ColorSilver)

		tb.SimpleStyledTextBar.Init()
		tb.SimpleStyledTextBar.SetStyle(normal)
		tb.RegisterLeftStyle('N', normal)
		tb.RegisterLeftStyle('A', alternate)
		tb.RegisterCenterStyle('N', normal)
		tb.RegisterCenterStyle('A', alternate)
		tb.RegisterRightStyle('N', normal)
		tb.RegisterRightStyle('A', alternate)
	})
}

func NewTitleBar() *TitleBar {
	tb := &TitleBar{}
	tb.Init()
	return tb
}

type StatusBar struct {
	once   sync.Once
	status string
	views.SimpleStyledTextBar
}

var (
	StatusBarStyleNormal = tcell.StyleDefault.
				Foreground(tcell.ColorBlack).
				Background(tcell.ColorSilver)
	StatusBarStyleGood = tcell.StyleDefault.
				Foreground(tcell.ColorWhite).
				Background(tcell.ColorGreen).
				Bold(true)
	StatusBarStyleWarn = tcell.StyleDefault.
				Foreground(tcell.ColorBlack).
				Background(tcell.ColorYellow)
	StatusBarStyleError = tcell.StyleDefault.
				Foreground(tcell.ColorWhite).
				Background(tcell.ColorMaroon).
				Bold(true)
)

func (sb *StatusBar) Init() {
	sb.once.Do(func() {
		sb.SimpleStyledTextBar.Init()
		sb.SetNormal()
	})
}

func (sb *StatusBar) SetStyle(style tcell.Style) {
	sb.SimpleStyledTextBar.SetStyle(style)
	sb.SimpleStyledTextBar.RegisterLeftStyle('N', style)
	sb.SimpleStyledTextBar.SetLeft(sb.status)
}

func (sb *StatusBar) SetNormal() {
	sb.SetStyle(StatusBarStyleNormal)
}

func (sb *StatusBar) SetText(status string) {
	sb.status = status
	sb.SetLeft(status)
}

func NewStatusBar() *StatusBar {
	sb := &StatusBar{}
	sb.Init()
	return sb
}
