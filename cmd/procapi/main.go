// Copyright 2024 The crypto-acquiring Authors
// This file is part of crypto-acquiring.
//
// crypto-acquiring is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// crypto-acquiring is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with crypto-acquiring. If not, see <http://www.gnu.org/licenses/>.

// procapi is the dispatcher: it fronts the network handlers with one customer
// facing API and delivers queued callbacks to customer endpoints.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/CryDevOk/crypto-acquiring/config"
	"github.com/CryDevOk/crypto-acquiring/dispatch"
	"github.com/CryDevOk/crypto-acquiring/secrets"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:    "verbosity",
		Usage:   "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:   3,
		EnvVars: []string{"PROC_VERBOSITY"},
	}
	logFileFlag = &cli.StringFlag{
		Name:    "log.file",
		Usage:   "Write logs to a rotating file instead of stderr",
		EnvVars: []string{"PROC_LOG_FILE"},
	}
)

func main() {
	app := &cli.App{
		Name:   "procapi",
		Usage:  "orchestration API in front of the network handlers",
		Flags:  []cli.Flag{verbosityFlag, logFileFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(verbosity int, file string) log.Logger {
	var output io.Writer = os.Stderr
	useColor := false
	if file != "" {
		output = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 10,
			Compress:   true,
		}
	} else {
		useColor = true
	}
	h := log.NewTerminalHandlerWithLevel(output, log.FromLegacyLevel(verbosity), useColor)
	log.SetDefault(log.NewLogger(h))
	return log.Root()
}

func run(c *cli.Context) error {
	logger := setupLogger(c.Int(verbosityFlag.Name), c.String(logFileFlag.Name))

	cfg, err := config.DispatchFromEnv()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	cipher, err := secrets.NewCipher(cfg.DBSecretKey)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := dispatch.NewStore(ctx, cfg.WriteDSN, cfg.ReadDSN, config.WritePoolSize, cipher, logger.New("job", "store"))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	logger.Info("starting dispatcher", "handlers", len(cfg.Handlers), "listen", cfg.Listen)
	return dispatch.New(cfg, st, logger).Run(ctx)
}
