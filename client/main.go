// The lottery command talks to a lottery deployment: it runs the beacon DKG,
// deploys the lottery, enters tickets and drives rounds.
package main

import (
	"os"

	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()
	app.Name = "lottery"
	app.Usage = "enter and run a verifiably random lottery"
	app.Version = "0.1"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "roster, r",
			Usage: "group toml of the nodes",
			Value: "roster.toml",
		},
		cli.IntFlag{
			Name:  "debug, d",
			Usage: "debug level",
		},
	}
	app.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	app.Commands = commands
	log.ErrFatal(app.Run(os.Args))
}
