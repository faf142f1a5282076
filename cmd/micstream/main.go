/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "micstream",
		Usage: "Stream microphone audio to a UDP endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "yaml config file",
				Sources: cli.EnvVars("MICSTREAM_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "human readable development logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "stream",
				Usage: "stream to one destination until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Usage: "destination host"},
					&cli.IntFlag{Name: "port", Usage: "destination port", Value: 5002},
					&cli.BoolFlag{Name: "test-tone", Usage: "send a 440 Hz tone instead of the microphone"},
					&cli.DurationFlag{Name: "duration", Usage: "stop after this long (0 runs until interrupted)"},
				},
				Action: runStream,
			},
			{
				Name:  "serve",
				Usage: "wait for start and stop commands over NATS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "nats-url", Usage: "NATS server URL"},
					&cli.StringFlag{Name: "subject-prefix", Usage: "prefix of every NATS subject"},
					&cli.BoolFlag{Name: "test-tone", Usage: "send a 440 Hz tone instead of the microphone"},
				},
				Action: runServe,
			},
			{
				Name:  "receive",
				Usage: "record a stream into a WAV file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "UDP listen address"},
					&cli.StringFlag{Name: "out", Usage: "output WAV file"},
					&cli.DurationFlag{Name: "duration", Usage: "stop after this long (0 runs until interrupted)"},
				},
				Action: runReceive,
			},
		},
	}
}
