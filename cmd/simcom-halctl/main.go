// simcom-halctl is a bench diagnostic tool for the SIMCOM voice-path
// audio HAL: list resolved cards, send raw AT commands, verify the mic
// mixer table, force a voice-call mode transition, or print a one-shot
// (or repeating) diagnostics dump -- the small-focused-binary style of
// cmd/gen_tone, cmd/ttcalc, cmd/tt2text rather than one monolithic tool.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"github.com/spf13/pflag"

	"github.com/simcom-audio/hal"
	"github.com/simcom-audio/hal/internal/voicecall"
)

func main() {
	configFile := pflag.StringP("config-file", "c", "", "HAL configuration file path (empty searches the default locations).")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug-level logging.")
	watch := pflag.DurationP("watch", "w", 0, "Repeat the dump command on this interval instead of printing once. Only applies to 'dump'.")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = usage

	pflag.Parse()

	if *help || pflag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	logger := log.New(os.Stderr)
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	dev, err := hal.Open(*configFile, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simcom-halctl: open failed: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	cmd := pflag.Arg(0)
	args := pflag.Args()[1:]

	var runErr error
	switch cmd {
	case "cards":
		runErr = cmdCards(dev)
	case "at":
		runErr = cmdAT(dev, args)
	case "mixer":
		runErr = cmdMixer(dev)
	case "mode":
		runErr = cmdMode(dev, args)
	case "dump":
		runErr = cmdDump(dev, *watch)
	default:
		fmt.Fprintf(os.Stderr, "simcom-halctl: unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "simcom-halctl: %s: %v\n", cmd, runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "simcom-halctl - bench diagnostic tool for the voice-path audio HAL.\n\n")
	fmt.Fprintf(os.Stderr, "Usage: simcom-halctl [options] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  cards                 List resolved sound-card roles.\n")
	fmt.Fprintf(os.Stderr, "  at <command>          Send a raw AT command to the modem control TTY.\n")
	fmt.Fprintf(os.Stderr, "  mixer                 Verify the mic capture mixer setting table.\n")
	fmt.Fprintf(os.Stderr, "  mode <normal|incall>  Force a voice-call mode transition.\n")
	fmt.Fprintf(os.Stderr, "  dump                  Print a diagnostics snapshot (ring/capture/route state).\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	pflag.PrintDefaults()
}

func cmdCards(dev *hal.Device) error {
	if err := dev.InitCheck(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	for _, mic := range dev.GetMicrophones() {
		fmt.Printf("mic: card=%d device=%d simcom=%v\n", mic.CardIndex, mic.DeviceIndex, mic.IsSimcom)
	}
	fmt.Print(dev.Dump())
	return nil
}

func cmdAT(dev *hal.Device, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: at <command> (e.g. 'at AT+CPCMREG=1')")
	}
	cmd := args[0]
	if len(args) > 1 {
		for _, part := range args[1:] {
			cmd += " " + part
		}
	}
	return dev.SendAT(cmd)
}

func cmdMixer(dev *hal.Device) error {
	results, err := dev.VerifyMicMixer()
	if err != nil {
		return err
	}
	mismatch := 0
	for name, ok := range results {
		status := "ok"
		if !ok {
			status = "MISMATCH"
			mismatch++
		}
		fmt.Printf("%-40s %s\n", name, status)
	}
	if mismatch > 0 {
		return fmt.Errorf("%d control(s) mismatched", mismatch)
	}
	return nil
}

func cmdMode(dev *hal.Device, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mode <normal|incall>")
	}

	var mode voicecall.Mode
	switch args[0] {
	case "normal":
		mode = voicecall.ModeNormal
	case "incall":
		mode = voicecall.ModeInCall
	default:
		return fmt.Errorf("unrecognized mode %q (want normal or incall)", args[0])
	}

	if err := dev.SetMode(mode); err != nil {
		return err
	}
	fmt.Printf("voice_call_active=%v\n", dev.VoiceCallActive())
	return nil
}

func cmdDump(dev *hal.Device, interval time.Duration) error {
	if interval <= 0 {
		return printDump(dev)
	}
	for {
		if err := printDump(dev); err != nil {
			return err
		}
		time.Sleep(interval)
	}
}

func printDump(dev *hal.Device) error {
	stamp, err := strftime.Format("%Y-%m-%d %H:%M:%S", time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("--- %s ---\n%s\n", stamp, dev.Dump())
	return nil
}
