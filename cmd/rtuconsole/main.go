// Command rtuconsole is an interactive console for an RS-485 Modbus RTU bus.
//
// It opens the configured serial port, starts the bus engine with the
// configured device list, and drops into a shell with commands for register
// reads, queued writes, address scans, and firmware transfers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/abiosoft/ishell/v2"

	"github.com/ferrolab/rtubus/logger"
	"github.com/ferrolab/rtubus/rtu"
	"github.com/ferrolab/rtubus/transport/serialport"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rtuconsole %s\n", version)
		os.Exit(0)
	}

	cfg := DefaultConfig()
	if *configFile != "" {
		loaded, err := LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rtuconsole: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log := logger.NewSlog(cfg.LogLevel(), cfg.Log.AddSource)

	port, err := serialport.Open(cfg.SerialPortConfig())
	if err != nil {
		log.Fatal("open serial port", "error", err)
	}
	defer port.Close()

	busCfg, err := rtu.NewBusConfig(cfg.BusOptions(log)...)
	if err != nil {
		log.Fatal("bus config", "error", err)
	}

	bus, err := rtu.NewBus(context.Background(), port, busCfg)
	if err != nil {
		log.Fatal("create bus", "error", err)
	}

	for _, dev := range cfg.Devices {
		if _, err := bus.AddDevice(dev.Address); err != nil {
			log.Fatal("add device", "addr", dev.Address, "error", err)
		}
		if len(dev.Monitors) > 0 {
			if err := bus.SetMonitors(dev.Address, dev.Monitors); err != nil {
				log.Fatal("set monitors", "addr", dev.Address, "error", err)
			}
		}
	}

	if err := bus.Start(); err != nil {
		log.Fatal("start bus", "error", err)
	}
	defer bus.Stop()

	runShell(bus, cfg)
}

func runShell(bus *rtu.Bus, cfg *Config) {
	shell := ishell.New()
	shell.Println("rtuconsole", version, "on", cfg.Serial.Device)
	shell.SetPrompt(fmt.Sprintf("[%s] > ", cfg.Serial.Device))

	shell.AddCmd(&ishell.Cmd{
		Name: "devices",
		Help: "list registered devices and their last polled values",
		Func: func(c *ishell.Context) { cmdDevices(c, bus) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "read",
		Help: "ADDR REG [QTY] - read holding registers",
		Func: func(c *ishell.Context) { cmdRead(c, bus) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "write",
		Help: "ADDR REG VALUE - queue a single-register write",
		Func: func(c *ishell.Context) { cmdWrite(c, bus) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "coil",
		Help: "ADDR COIL on|off - queue a single-coil write",
		Func: func(c *ishell.Context) { cmdCoil(c, bus) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "scan",
		Help: "[FROM TO] - sweep the bus for responding addresses",
		Func: func(c *ishell.Context) { cmdScan(c, bus) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "monitor",
		Help: "ADDR [REG ...] - set the extra registers polled for a device",
		Func: func(c *ishell.Context) { cmdMonitor(c, bus) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "fw",
		Help: "ADDR FILE - transfer a firmware image to a device",
		Func: func(c *ishell.Context) { cmdFirmware(c, bus) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "stats",
		Help: "show bus counters",
		Func: func(c *ishell.Context) { cmdStats(c, bus) },
	})

	shell.Run()
}

func parseAddr(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || v < 1 || v > 247 {
		return 0, fmt.Errorf("invalid slave address %q", s)
	}

	return byte(v), nil
}

func parseUint16(name, s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}

	return uint16(v), nil
}

func cmdDevices(c *ishell.Context, bus *rtu.Bus) {
	devs := bus.Devices()
	if len(devs) == 0 {
		c.Println("no devices registered")

		return
	}

	for _, d := range devs {
		state := "offline"
		if d.Online {
			state = "online"
		}
		c.Printf("addr %3d  %-7s status=0x%04X telemetry=0x%04X failures=%d\n",
			d.Addr, state, d.Status, d.Telemetry, d.Failures)

		regs := make([]uint16, 0, len(d.Monitors))
		for reg := range d.Monitors {
			regs = append(regs, reg)
		}
		sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
		for _, reg := range regs {
			c.Printf("          monitor 0x%04X = 0x%04X\n", reg, d.Monitors[reg])
		}
	}
}

func cmdRead(c *ishell.Context, bus *rtu.Bus) {
	if len(c.Args) < 2 {
		c.Err(fmt.Errorf("usage: read ADDR REG [QTY]"))

		return
	}

	addr, err := parseAddr(c.Args[0])
	if err != nil {
		c.Err(err)

		return
	}
	reg, err := parseUint16("register", c.Args[1])
	if err != nil {
		c.Err(err)

		return
	}

	qty := uint16(1)
	if len(c.Args) > 2 {
		qty, err = parseUint16("quantity", c.Args[2])
		if err != nil {
			c.Err(err)

			return
		}
	}

	req, err := rtu.BuildReadHoldingRegisters(addr, reg, qty)
	if err != nil {
		c.Err(err)

		return
	}

	// Interactive reads bypass the queue; SendAndAwait fails fast with
	// ErrExchangePending if the scheduler owns the line right now.
	resp, err := bus.SendAndAwait(context.Background(), req, addr, time.Second)
	if err != nil {
		c.Err(err)

		return
	}

	values, err := resp.Registers()
	if err != nil {
		c.Err(err)

		return
	}

	for i, v := range values {
		c.Printf("0x%04X = 0x%04X (%d)\n", reg+uint16(i), v, v)
	}
}

func cmdWrite(c *ishell.Context, bus *rtu.Bus) {
	if len(c.Args) != 3 {
		c.Err(fmt.Errorf("usage: write ADDR REG VALUE"))

		return
	}

	addr, err := parseAddr(c.Args[0])
	if err != nil {
		c.Err(err)

		return
	}
	reg, err := parseUint16("register", c.Args[1])
	if err != nil {
		c.Err(err)

		return
	}
	value, err := parseUint16("value", c.Args[2])
	if err != nil {
		c.Err(err)

		return
	}

	req, err := rtu.BuildWriteSingleRegister(addr, reg, value)
	if err != nil {
		c.Err(err)

		return
	}

	awaitCommand(c, bus, req, addr)
}

func cmdCoil(c *ishell.Context, bus *rtu.Bus) {
	if len(c.Args) != 3 || (c.Args[2] != "on" && c.Args[2] != "off") {
		c.Err(fmt.Errorf("usage: coil ADDR COIL on|off"))

		return
	}

	addr, err := parseAddr(c.Args[0])
	if err != nil {
		c.Err(err)

		return
	}
	coil, err := parseUint16("coil", c.Args[1])
	if err != nil {
		c.Err(err)

		return
	}

	req, err := rtu.BuildWriteSingleCoil(addr, coil, c.Args[2] == "on")
	if err != nil {
		c.Err(err)

		return
	}

	awaitCommand(c, bus, req, addr)
}

// awaitCommand queues a write frame and waits for its outcome. Writes go
// through the command queue so they interleave cleanly with the poll cycle.
func awaitCommand(c *ishell.Context, bus *rtu.Bus, req rtu.Frame, addr byte) {
	done, err := bus.EnqueueWrite(req, addr)
	if err != nil {
		c.Err(err)

		return
	}

	res := <-done
	if res.Err != nil {
		c.Err(res.Err)

		return
	}

	c.Println("ok")
}

func cmdScan(c *ishell.Context, bus *rtu.Bus) {
	opts := rtu.ScanOptions{From: 1, To: 247}

	if len(c.Args) >= 2 {
		from, err := parseAddr(c.Args[0])
		if err != nil {
			c.Err(err)

			return
		}
		to, err := parseAddr(c.Args[1])
		if err != nil {
			c.Err(err)

			return
		}
		opts.From, opts.To = from, to
	}

	c.Printf("scanning %d..%d (polling deferred)\n", opts.From, opts.To)

	found, err := bus.Scan(context.Background(), opts)
	if err != nil {
		c.Err(err)

		return
	}

	count := 0
	for addr := range found {
		count++
		c.Printf("  found device at address %d\n", addr)
	}

	c.Printf("scan complete: %d device(s)\n", count)
}

func cmdMonitor(c *ishell.Context, bus *rtu.Bus) {
	if len(c.Args) < 1 {
		c.Err(fmt.Errorf("usage: monitor ADDR [REG ...]"))

		return
	}

	addr, err := parseAddr(c.Args[0])
	if err != nil {
		c.Err(err)

		return
	}

	regs := make([]uint16, 0, len(c.Args)-1)
	for _, arg := range c.Args[1:] {
		reg, err := parseUint16("register", arg)
		if err != nil {
			c.Err(err)

			return
		}
		regs = append(regs, reg)
	}

	if err := bus.SetMonitors(addr, regs); err != nil {
		c.Err(err)

		return
	}

	c.Printf("device %d now polls %d extra register(s)\n", addr, len(regs))
}

func cmdFirmware(c *ishell.Context, bus *rtu.Bus) {
	if len(c.Args) != 2 {
		c.Err(fmt.Errorf("usage: fw ADDR FILE"))

		return
	}

	addr, err := parseAddr(c.Args[0])
	if err != nil {
		c.Err(err)

		return
	}

	image, err := os.ReadFile(c.Args[1])
	if err != nil {
		c.Err(err)

		return
	}

	c.Printf("transferring %d bytes to device %d\n", len(image), addr)

	events, err := bus.StartFirmwareTransfer(context.Background(), addr, image, rtu.FirmwareOptions{})
	if err != nil {
		c.Err(err)

		return
	}

	for ev := range events {
		switch {
		case ev.Err != nil:
			c.Err(fmt.Errorf("transfer failed in %s phase after %d/%d bytes: %w",
				ev.Phase, ev.Sent, ev.Total, ev.Err))

			return
		case ev.Phase == rtu.PhaseData && ev.Sent > 0:
			c.Printf("  %d/%d bytes\n", ev.Sent, ev.Total)
		case ev.Phase == rtu.PhaseDone:
			c.Println("transfer complete")
		default:
			c.Printf("  %s...\n", ev.Phase)
		}
	}
}

func cmdStats(c *ishell.Context, bus *rtu.Bus) {
	m := bus.Metrics()
	c.Printf("frames sent       %d\n", m.FrameSendCount.Load())
	c.Printf("frames received   %d\n", m.FrameRecvCount.Load())
	c.Printf("CRC errors        %d\n", m.CRCErrorCount.Load())
	c.Printf("bytes discarded   %d\n", m.DiscardedByteCount.Load())
	c.Printf("timeouts          %d\n", m.TimeoutCount.Load())
	c.Printf("unsolicited       %d\n", m.UnsolicitedCount.Load())
	c.Printf("commands served   %d\n", m.CommandCount.Load())
	c.Printf("poll cycles       %d\n", m.PollCycleCount.Load())
	c.Printf("queue depth       %d\n", m.QueueDepth.Load())
}
