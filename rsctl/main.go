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

// Command rsctl talks to rsd over its REST API.
//
// Subcommands are
//
//	status              - supervisor summary
//	list                - list every slot
//	info <svc>          - detailed slot information
//	log [<svc>]         - service history, or the supervisor log
//	up <file.yaml>      - start a service from its description
//	edit <file.yaml>    - change privileges or scheduling of a service
//	update <svc>        - live update a service
//	down <svc>          - stop a service and release its slot
//	refresh <svc>       - restart a service the orderly way
//	restart <svc>       - restart a service now
//	clone <svc>         - stage a copy of a service
//	unclone <svc>       - discard the staged copy
//	fi <svc>            - crash a service on purpose
//	sysctl <op>         - run a supervisor control operation
//	shutdown            - stop every service and then rsd
//	top                 - full screen view
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/context"

	"github.com/gdamore/rsvisor"
	"github.com/gdamore/rsvisor/config"
	"github.com/gdamore/rsvisor/rest"
	"github.com/gdamore/rsvisor/rsctl/util"
)

type options struct {
	server   string
	user     string
	password string
	timeout  time.Duration
	json     bool
}

func (o *options) client() *rest.Client {
	c := rest.NewClient(nil, o.server)
	if o.user != "" {
		c.SetAuth(o.user, o.password)
	}
	return c
}

func (o *options) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:           "rsctl",
		Short:         "Control a running rsd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&o.server, "server", "s", "http://127.0.0.1:8321", "rsd base URL")
	pf.StringVarP(&o.user, "user", "u", "", "user for basic auth")
	pf.StringVar(&o.password, "password", os.Getenv("RSCTL_PASSWORD"), "password for basic auth (env RSCTL_PASSWORD)")
	pf.DurationVar(&o.timeout, "timeout", time.Minute, "request timeout")
	pf.BoolVar(&o.json, "json", false, "print JSON instead of text")

	cmd.AddCommand(
		newStatusCmd(o),
		newListCmd(o),
		newInfoCmd(o),
		newLogCmd(o),
		newUpCmd(o),
		newEditCmd(o),
		newUpdateCmd(o),
		newActionCmd(o, "down", "Stop a service and release its slot",
			(*rest.Client).Down),
		newActionCmd(o, "refresh", "Restart a service through an orderly stop",
			(*rest.Client).Refresh),
		newActionCmd(o, "restart", "Restart a service now",
			(*rest.Client).Restart),
		newCloneCmd(o),
		newActionCmd(o, "unclone", "Discard the staged copy of a service",
			(*rest.Client).Unclone),
		newActionCmd(o, "fi", "Crash a service on purpose",
			(*rest.Client).InjectFault),
		newSysctlCmd(o),
		newShutdownCmd(o),
		newTopCmd(o),
	)
	return cmd
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			st, err := o.client().Status(ctx)
			if err != nil {
				return err
			}
			if o.json {
				return writeJSON(cmd, st)
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"services", "ls"},
		Short:   "List every slot",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			svcs, err := o.client().Services(ctx)
			if err != nil {
				return err
			}
			if o.json {
				return writeJSON(cmd, svcs)
			}
			items := make([]*rest.ServiceInfo, 0, len(svcs))
			for i := range svcs {
				items = append(items, &svcs[i])
			}
			util.SortServices(items)
			renderList(cmd.OutOrStdout(), items, time.Now())
			return nil
		},
	}
}

func newInfoCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info <service>",
		Short: "Show detailed information about a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			s, err := o.client().GetService(ctx, args[0])
			if err != nil {
				return err
			}
			if o.json {
				return writeJSON(cmd, s)
			}
			renderInfo(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func newLogCmd(o *options) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "log [<service>]",
		Short: "Show the history of a service, or the supervisor log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			c := o.client()
			if len(args) == 1 {
				ctx, cancel := o.context()
				defer cancel()
				lines, err := c.GetServiceLog(ctx, args[0])
				if err != nil {
					return err
				}
				if o.json {
					return writeJSON(cmd, lines)
				}
				for _, l := range lines {
					fmt.Fprintln(out, l)
				}
				return nil
			}

			ctx, cancel := o.context()
			li, err := c.GetLog(ctx)
			cancel()
			if err != nil {
				return err
			}
			if o.json && !follow {
				return writeJSON(cmd, li.Records)
			}
			var last int64
			show := func(li *rest.LogInfo) {
				for _, r := range li.Records {
					if r.Id <= last {
						continue
					}
					last = r.Id
					fmt.Fprintf(out, "%s %s\n",
						styleMuted.Render(r.Time.Format(time.StampMilli)), r.Text)
				}
			}
			show(li)
			for follow {
				ctx, cancel := context.WithTimeout(context.Background(),
					(rest.MaxPollTime+10)*time.Second)
				li, err = c.WatchLog(ctx, li)
				cancel()
				if err != nil {
					return err
				}
				show(li)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new records")
	return cmd
}

func printResult(cmd *cobra.Command, o *options, what string, res *rest.Result) error {
	if o.json {
		return writeJSON(cmd, res)
	}
	msg := what
	if res.Endpoint != 0 {
		msg += fmt.Sprintf(", endpoint %d", res.Endpoint)
	}
	if res.Txn != "" {
		msg += ", update " + res.Txn
	}
	renderOK(cmd.OutOrStdout(), msg)
	return nil
}

func newUpCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "up <file.yaml>",
		Short: "Start a service from its description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadService(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := o.context()
			defer cancel()
			res, err := o.client().Up(ctx, cfg)
			if err != nil {
				return err
			}
			return printResult(cmd, o, cfg.Label+" started", res)
		},
	}
}

func newEditCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <file.yaml>",
		Short: "Apply new privileges or scheduling to a running service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadService(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := o.context()
			defer cancel()
			if err := o.client().Edit(ctx, cfg); err != nil {
				return err
			}
			return printResult(cmd, o, cfg.Label+" edited", &rest.Result{})
		},
	}
}

func newUpdateCmd(o *options) *cobra.Command {
	u := &rsvisor.UpdateRequest{}
	var noCrash, stateTransfer, shareExec bool
	cmd := &cobra.Command{
		Use:   "update <service>",
		Short: "Live update a service",
		Long: `Live update a service.  Without --path the running binary is
restarted through the update protocol, keeping its endpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if noCrash {
				u.Flags |= rsvisor.TxnNoCrash
			}
			if stateTransfer {
				u.Flags |= rsvisor.TxnStateTransfer
			}
			if shareExec {
				u.Flags |= rsvisor.TxnShareExec
			}
			ctx, cancel := o.context()
			defer cancel()
			res, err := o.client().Update(ctx, args[0], u)
			if err != nil {
				return err
			}
			what := args[0] + " updated"
			if u.NoWait {
				what = args[0] + " update started"
			}
			return printResult(cmd, o, what, res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&u.Path, "path", "", "new binary")
	f.StringArrayVar(&u.Args, "arg", nil, "argument for the new binary (repeatable)")
	f.IntVar(&u.State, "state", 0, "state the service must reach before it is swapped")
	f.StringSliceVar(&u.DependsOn, "depends", nil, "labels to update first")
	f.BoolVar(&u.NoWait, "no-wait", false, "return once the update is admitted")
	f.BoolVar(&noCrash, "no-crash", false, "abort instead of rolling forward if the service dies during the update")
	f.BoolVar(&stateTransfer, "state-transfer", false, "hand the old state to the new binary")
	f.BoolVar(&shareExec, "share-exec", false, "reuse the running image")
	return cmd
}

func newActionCmd(o *options, name, short string,
	f func(*rest.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <service>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			if err := f(o.client(), ctx, args[0]); err != nil {
				return err
			}
			return printResult(cmd, o, name+" "+args[0]+": done", &rest.Result{})
		},
	}
}

func newCloneCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clone <service>",
		Short: "Stage a copy of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			res, err := o.client().Clone(ctx, args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, o, args[0]+" cloned", res)
		},
	}
}

func newSysctlCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:       "sysctl <op>",
		Short:     "Run a supervisor control operation",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{rsvisor.SysctlStatus, rsvisor.SysctlAbort},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			st, err := o.client().Sysctl(ctx, args[0])
			if err != nil {
				return err
			}
			if o.json {
				return writeJSON(cmd, st)
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newShutdownCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop every service and then rsd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			if err := o.client().Shutdown(ctx); err != nil {
				return err
			}
			renderOK(cmd.OutOrStdout(), "shut down")
			return nil
		},
	}
}

func newTopCmd(o *options) *cobra.Command {
	var logfile string
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Full screen view of the supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var logger *log.Logger
			if logfile != "" {
				f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
				if err != nil {
					return err
				}
				defer f.Close()
				logger = log.New(f, "", log.LstdFlags)
			}
			return doUI(o.client(), o.server, logger)
		},
	}
	cmd.Flags().StringVar(&logfile, "log", "", "write a debug log to this file")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleFailed.Render("✗")+" "+err.Error())
		os.Exit(1)
	}
}
