package main

import (
	"encoding/hex"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode/cmd/sensornode/console"
	"github.com/mklimuk/sensornode/nfc"
	"github.com/mklimuk/sensornode/snsctx"
)

var nfcCmd = cli.Command{
	Name:  "nfc",
	Usage: "read and write the NFC tag user memory",
	Subcommands: cli.Commands{
		&nfcReadCmd,
		&nfcWriteCmd,
		&nfcResetCmd,
	},
}

func openTag(c *cli.Context) (*nfc.ST25DV, *hardware, error) {
	hw, err := openBus(c.Context, cfg.Bus)
	if err != nil {
		return nil, nil, console.Exit(1, "%s", console.Red(err))
	}
	return nfc.NewST25DV(hw.guard), hw, nil
}

var nfcReadCmd = cli.Command{
	Name:    "read",
	Aliases: []string{"rd"},
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "address", Aliases: []string{"a"}, Usage: "user memory address"},
		&cli.IntFlag{Name: "length", Aliases: []string{"n"}, Usage: "number of bytes", Value: 64},
	},
	Action: func(c *cli.Context) error {
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		tag, hw, err := openTag(c)
		if err != nil {
			return err
		}
		defer hw.Close()
		buf := make([]byte, c.Int("length"))
		if err := tag.ReadEEPROM(ctx, uint16(c.Uint("address")), buf); err != nil {
			return console.Exit(1, "tag read error: %s", console.Red(err))
		}
		console.Print(hex.Dump(buf))
		return nil
	},
}

var nfcWriteCmd = cli.Command{
	Name:  "write",
	Usage: "write raw hex data or the counter word",
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "address", Aliases: []string{"a"}, Usage: "user memory address for --data"},
		&cli.StringFlag{Name: "data", Usage: "hex bytes to write (e.g. '01FF23')"},
		&cli.StringFlag{Name: "value", Usage: "counter word to store"},
	},
	Action: func(c *cli.Context) error {
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		tag, hw, err := openTag(c)
		if err != nil {
			return err
		}
		defer hw.Close()
		switch {
		case c.IsSet("value"):
			v, err := strconv.ParseUint(c.String("value"), 0, 32)
			if err != nil {
				return console.Exit(1, "invalid value: %s", console.Red(err))
			}
			if err := tag.WriteValue(ctx, uint32(v)); err != nil {
				return console.Exit(1, "tag write error: %s", console.Red(err))
			}
			console.Infof("counter set to %d", v)
		case c.IsSet("data"):
			data, err := hex.DecodeString(c.String("data"))
			if err != nil {
				return console.Exit(1, "invalid data hex string: %s", console.Red(err))
			}
			if err := tag.WriteEEPROM(ctx, uint16(c.Uint("address")), data); err != nil {
				return console.Exit(1, "tag write error: %s", console.Red(err))
			}
			console.Infof("wrote %d bytes at %#04x", len(data), c.Uint("address"))
		default:
			return console.Exit(1, "either --value or --data is required")
		}
		return nil
	},
}

var nfcResetCmd = cli.Command{
	Name:  "reset",
	Usage: "zero the tag user memory",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		if !c.Bool("yes") {
			ok, err := console.Confirm("erase the whole tag user memory?")
			if err != nil {
				return console.Exit(1, "%s", console.Red(err))
			}
			if !ok {
				console.PInfof(console.PictoStop, "aborted")
				return nil
			}
		}
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		tag, hw, err := openTag(c)
		if err != nil {
			return err
		}
		defer hw.Close()
		if err := tag.ResetEEPROM(ctx, nfc.EEPROMSize); err != nil {
			return console.Exit(1, "tag reset error: %s", console.Red(err))
		}
		console.Infof("user memory cleared")
		return nil
	},
}
