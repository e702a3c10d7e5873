package main

import (
	"encoding/hex"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensornode/cmd/sensornode/console"
	"github.com/mklimuk/sensornode/memory"
	"github.com/mklimuk/sensornode/snsctx"
)

var flashCmd = cli.Command{
	Name:    "flash",
	Aliases: []string{"mem"},
	Usage:   "SPI flash operations",
	Subcommands: cli.Commands{
		&flashIDCmd,
		&flashReadCmd,
		&flashDumpCmd,
	},
}

func openFlash(c *cli.Context) (*hardware, error) {
	if !cfg.SPI.Enabled || !cfg.Sensors.Flash.Enabled {
		return nil, console.Exit(1, "SPI flash is disabled in the configuration")
	}
	hw, err := openHardware(c.Context, cfg)
	if err != nil {
		return nil, console.Exit(1, "%s", console.Red(err))
	}
	return hw, nil
}

var flashIDCmd = cli.Command{
	Name:  "id",
	Usage: "read the JEDEC identifier",
	Action: func(c *cli.Context) error {
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		hw, err := openFlash(c)
		if err != nil {
			return err
		}
		defer hw.Close()
		id, err := hw.flash.ID(ctx)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		console.PInfof(console.PictoNotebook, "manufacturer %#02x type %#02x density %#02x", id[0], id[1], id[2])
		return nil
	},
}

var flashReadCmd = cli.Command{
	Name:    "read",
	Aliases: []string{"rd"},
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "address", Aliases: []string{"a"}, Usage: "memory address to read"},
		&cli.IntFlag{Name: "length", Aliases: []string{"n"}, Usage: "number of bytes to read", Value: 16},
	},
	Action: func(c *cli.Context) error {
		length := c.Int("length")
		if length <= 0 || length > 4096 {
			return console.Exit(1, "length out of range: %d", length)
		}
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		hw, err := openFlash(c)
		if err != nil {
			return err
		}
		defer hw.Close()
		addr := uint32(c.Uint("address"))
		data, err := hw.flash.Read(ctx, addr, length)
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		console.Printf("%#06x:\n", addr)
		console.Print(hex.Dump(data))
		return nil
	},
}

var flashDumpCmd = cli.Command{
	Name:      "dump",
	Usage:     "copy a flash range to a file page by page",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "address", Aliases: []string{"a"}, Usage: "start address"},
		&cli.UintFlag{Name: "length", Aliases: []string{"n"}, Usage: "number of bytes", Value: memory.SectorSize},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected an output file")
		}
		addr := uint32(c.Uint("address"))
		end := addr + uint32(c.Uint("length"))
		if end > memory.Capacity || end < addr {
			return console.Exit(1, "range exceeds the flash capacity (%d bytes)", memory.Capacity)
		}
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		hw, err := openFlash(c)
		if err != nil {
			return err
		}
		defer hw.Close()
		out, err := os.Create(c.Args().First())
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		defer func() { _ = out.Close() }()
		for a := addr; a < end; a += memory.PageSize {
			n := min(memory.PageSize, int(end-a))
			data, err := hw.flash.Read(ctx, a, n)
			if err != nil {
				return console.Exit(1, "read at %#06x: %s", a, console.Red(err))
			}
			if _, err := out.Write(data); err != nil {
				return console.Exit(1, "%s", console.Red(err))
			}
		}
		console.PInfof(console.PictoNotebook, "dumped %d bytes from %#06x to %s", end-addr, addr, out.Name())
		return nil
	},
}
