package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"clstep/closedloop"
	"clstep/config"
	"clstep/host/mcu"
	"clstep/host/publish"
	"clstep/host/serial"
	"clstep/protocol"
)

var (
	device     = flag.String("device", "/dev/ttyACM0", "Serial device path or tcp://host:port")
	baud       = flag.Int("baud", 250000, "Baud rate (ignored for USB CDC)")
	configPath = flag.String("config", "", "Axis configuration (JSON) for expected values")
	mqttBroker = flag.String("mqtt", "", "MQTT broker for the watch command, e.g. tcp://localhost:1883")
	mqttTopic  = flag.String("topic", "clstep/axis0/status", "MQTT status topic")
)

type session struct {
	mcu *mcu.MCU
	cfg *config.MachineConfig
	pub publish.Publisher
}

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	m := mcu.NewMCU()
	if err := m.ConnectWithConfig(serialConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	if err := m.RetrieveDictionary(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to retrieve dictionary: %v\n", err)
		os.Exit(1)
	}

	s := &session{mcu: m, cfg: cfg}
	if *mqttBroker != "" {
		p, err := publish.DialMQTT(*mqttBroker, "clstep-host", *mqttTopic)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer p.Close()
		s.pub = p
	}

	// One-shot mode: clstep-host tune minimal
	if flag.NArg() > 0 {
		if err := s.run(flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Connected to %s (%d dictionary entries)\n", *device, len(m.GetDictionary().Commands))
	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "quit", "exit", "q":
			return
		case "help", "?":
			printHelp()
			continue
		}
		if err := s.run(parts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

func serialConfig() *serial.Config {
	c := serial.DefaultConfig(*device)
	c.Baud = *baud
	return c
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  dict                 - Print the command dictionary")
	fmt.Println("  raw                  - Print raw dictionary data")
	fmt.Println("  clock                - Read the controller clock")
	fmt.Println("  status               - Show closed loop status")
	fmt.Println("  tune <mask>          - Start tuning (minimal, full, 0x1f or names joined by |)")
	fmt.Println("  abort                - Abort tuning")
	fmt.Println("  enable on|off        - Switch closed loop control")
	fmt.Println("  move <steps>         - Move the control target")
	fmt.Println("  collect <n> [next]   - Record n samples now or from the next move")
	fmt.Println("  samples <n>          - Print up to n recorded samples as CSV")
	fmt.Println("  analyze <n>          - Fit up to n recorded samples")
	fmt.Println("  watch <seconds>      - Poll status, publishing to MQTT when -mqtt is set")
	fmt.Println("  quit/exit/q          - Exit the program")
	fmt.Println()
}

func (s *session) run(args []string) error {
	switch args[0] {
	case "dict":
		s.mcu.PrintDictionary(os.Stdout)
	case "raw":
		raw := s.mcu.GetDictionaryRaw()
		fmt.Printf("Raw dictionary data (%d bytes):\n%s\n", len(raw), raw)
	case "clock":
		data, err := s.mcu.Query("get_clock", "clock")
		if err != nil {
			return err
		}
		clock, err := protocol.DecodeVLQUint(&data)
		if err != nil {
			return err
		}
		fmt.Printf("clock %d\n", clock)
	case "status":
		st, err := s.mcu.Status()
		if err != nil {
			return err
		}
		printStatus(st)
	case "tune":
		if len(args) < 2 {
			return fmt.Errorf("usage: tune <mask>")
		}
		mask, err := closedloop.ParseTuningRequest(args[1])
		if err != nil {
			return err
		}
		return s.mcu.Tune(mask)
	case "abort":
		return s.mcu.Abort()
	case "enable":
		if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
			return fmt.Errorf("usage: enable on|off")
		}
		return s.enable(args[1] == "on")
	case "move":
		if len(args) < 2 {
			return fmt.Errorf("usage: move <steps>")
		}
		steps, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return err
		}
		return s.mcu.Move(steps)
	case "collect":
		n, err := intArg(args, 1, closedloop.RecorderCapacity)
		if err != nil {
			return err
		}
		mode := closedloop.RecordImmediate
		if len(args) > 2 && args[2] == "next" {
			mode = closedloop.RecordOnNextMove
		}
		return s.mcu.StartCollection(n, mode)
	case "samples":
		n, err := intArg(args, 1, closedloop.RecorderCapacity)
		if err != nil {
			return err
		}
		samples, err := s.mcu.ReadSamples(n)
		if err != nil {
			return err
		}
		fmt.Println("index,reading,phase")
		for i, smp := range samples {
			fmt.Printf("%d,%d,%d\n", i, smp.Reading, smp.Phase)
		}
	case "analyze":
		n, err := intArg(args, 1, closedloop.RecorderCapacity)
		if err != nil {
			return err
		}
		samples, err := s.mcu.ReadSamples(n)
		if err != nil {
			return err
		}
		fit, err := analyzeSamples(samples)
		if err != nil {
			return err
		}
		fit.print(os.Stdout, float64(s.cfg.CountsPerStep()))
	case "watch":
		secs, err := intArg(args, 1, 10)
		if err != nil {
			return err
		}
		return s.watch(time.Duration(secs) * time.Second)
	default:
		return fmt.Errorf("unknown command %q (type 'help' for available commands)", args[0])
	}
	return nil
}

// enable confirms the switch with a status read since refusals are
// still acknowledged
func (s *session) enable(on bool) error {
	if err := s.mcu.Enable(on); err != nil {
		return err
	}
	st, err := s.mcu.Status()
	if err != nil {
		return err
	}
	active := st.Live&closedloop.LiveStateMask == closedloop.LiveStateControl
	if active != on {
		return fmt.Errorf("controller refused (status %s, errors %s)", st.State, st.Error)
	}
	return nil
}

func (s *session) watch(d time.Duration) error {
	interval := time.Duration(s.cfg.Status.PublishIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	stop := time.After(d)
	for {
		st, err := s.mcu.Status()
		if err != nil {
			return err
		}
		if s.pub != nil {
			if err := s.pub.Publish(st); err != nil {
				fmt.Fprintf(os.Stderr, "publish: %v\n", err)
			}
		} else {
			line, _ := json.Marshal(st)
			fmt.Println(string(line))
		}
		select {
		case <-ticker.C:
		case <-stop:
			return nil
		}
	}
}

func printStatus(st *mcu.Status) {
	fmt.Printf("state    %s\n", st.State)
	fmt.Printf("tuning   %s\n", st.Tuning)
	fmt.Printf("errors   %s\n", st.Error)
	fmt.Printf("reading  %d\n", st.Reading)
	if st.Slope != 0 {
		fmt.Printf("slope    %.3f counts/phase (%.2f counts/step)\n", st.Slope, st.Slope*1024)
		fmt.Printf("origin   %.1f\n", st.Origin)
	}
}

func intArg(args []string, i, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad count %q", args[i])
	}
	return n, nil
}
