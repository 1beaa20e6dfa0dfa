package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bsdeploy/internal/ble"
	"github.com/chaz8081/bsdeploy/internal/config"
	"github.com/chaz8081/bsdeploy/internal/console"
	"github.com/chaz8081/bsdeploy/internal/relay"
	"github.com/chaz8081/bsdeploy/internal/runner"
)

const disconnectTimeout = 2 * time.Second

// sessionFlags override device settings for commands that talk to a board.
type sessionFlags struct {
	device string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.device, "device", "d", "", "advertised device name (overrides config)")
}

// openSession connects to the board and reads its memory layout. The
// returned context ends when the board drops the link.
func (a *app) openSession(ctx context.Context, flags *sessionFlags) (*runner.Session, context.Context, *console.Printer, error) {
	if flags.device != "" {
		a.cfg.Device.Name = flags.device
	}
	printBanner(a.cfg)

	board, err := runner.NewBoard(a.cfg.Board)
	if err != nil {
		return nil, ctx, nil, err
	}
	comp, err := board.Compiler(a.cfg)
	if err != nil {
		return nil, ctx, nil, err
	}

	conn := ble.NewConnection(ble.NewSystemAdapter(), ble.Options{
		DeviceName:         a.cfg.Device.Name,
		ServiceUUID:        a.cfg.Device.ServiceUUID,
		CharacteristicUUID: a.cfg.Device.CharacteristicUUID,
		MTU:                a.cfg.Device.MTU,
		WriteDelay:         a.cfg.Device.WriteDelay,
	})
	printer := console.NewPrinter(os.Stdout)
	session := runner.NewSession(conn, comp, printer, runner.Options{
		ConnectTimeout: a.cfg.Device.ConnectTimeout,
		MainPath:       a.cfg.MainPath(),
		Logger:         a.logger,
	})

	printer.Info(fmt.Sprintf("connecting to %s...", a.cfg.Device.Name))
	sessionCtx, err := session.Connect(ctx)
	if err != nil {
		return nil, ctx, nil, err
	}
	if _, err := session.Init(sessionCtx); err != nil {
		closeSession(session)
		return nil, ctx, nil, err
	}
	return session, sessionCtx, printer, nil
}

// closeSession disconnects with a fresh deadline; the command context is
// usually already cancelled by then.
func closeSession(s *runner.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	_ = s.Close(ctx)
}

func newRunCmd(a *app) *cobra.Command {
	flags := &sessionFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compile the main file and run it on the board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, ctx, printer, err := a.openSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer closeSession(session)

			rep, err := session.RunMain(ctx)
			if err != nil {
				return err
			}
			printer.Info(rep.String())
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newReplCmd(a *app) *cobra.Command {
	flags := &sessionFlags{}
	var skipMain bool
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Run the main file, then evaluate lines interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, ctx, printer, err := a.openSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer closeSession(session)

			if !skipMain {
				rep, ran, err := session.RunMainIfPresent(ctx)
				if err != nil {
					return err
				}
				if ran {
					printer.Info(rep.String())
				}
			}

			editor := console.NewLineEditor(console.DefaultPrompt, config.DefaultConfigDir())
			defer editor.Close()
			return session.REPL(ctx, editor)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&skipMain, "no-main", false, "do not run the main file first")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	flags := &sessionFlags{}
	var (
		listen   string
		skipMain bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the main file, then relay an editor's requests to the board over a local WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				a.cfg.Relay.Listen = listen
			}
			session, ctx, _, err := a.openSession(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer closeSession(session)

			return session.Serve(ctx, relay.NewServer(a.cfg.Relay.Listen), skipMain)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "relay listen address (overrides config)")
	cmd.Flags().BoolVar(&skipMain, "no-main", false, "do not run the main file first")
	return cmd
}
