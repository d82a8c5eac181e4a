// Command rmt-loopback runs framed payloads through a TX and an RX channel
// wired to the same pin of the simulated RMT platform.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"image/color"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"rmtdrv-go/config"
	"rmtdrv-go/x/logx"
)

var (
	device      = flag.String("device", "sim-loopback", "Embedded board config to load")
	count       = flag.Int("count", 3, "Frames to send in batch mode")
	leds        = flag.Int("leds", 8, "LED strip length, 0 disables the strip")
	level       = flag.String("log", "info", "Log level")
	interactive = flag.Bool("i", false, "Read commands from stdin")
)

var log = logx.New("loopback")

func main() {
	flag.Parse()
	if err := logx.SetLevel(*level); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	board, err := config.Load(*device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	r, err := newRig(board, *leds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to set up channels: %v\n", err)
		os.Exit(1)
	}
	defer r.close()

	if *interactive {
		repl(r, os.Stdin, os.Stdout)
		return
	}
	failed := 0
	for i := 0; i < *count; i++ {
		payload := fmt.Sprintf("frame %d", i)
		if err := send(r, os.Stdout, payload); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			failed++
		}
	}
	if failed > 0 {
		r.close()
		os.Exit(1)
	}
}

func send(r *rig, w io.Writer, payload string) error {
	start := time.Now()
	got, err := r.roundTrip([]byte(payload), time.Second)
	if err != nil {
		return err
	}
	if string(got) != payload {
		return fmt.Errorf("sent %q, received %q", payload, got)
	}
	fmt.Fprintf(w, "ok %q (%d bytes, %v)\n", got, len(got), time.Since(start).Round(time.Microsecond))
	return nil
}

// repl runs one command per line. Arguments follow shell quoting, so
// `send "two words"` sends a single payload.
func repl(r *rig, in io.Reader, w io.Writer) {
	fmt.Fprintln(w, "Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(w, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		args, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintf(w, "parse error: %v\n", err)
			continue
		}
		if quit := run(r, w, args); quit {
			return
		}
	}
}

func run(r *rig, w io.Writer, args []string) (quit bool) {
	switch args[0] {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		fmt.Fprintln(w, "send <text>...   round-trip each argument as a frame")
		fmt.Fprintln(w, "led <r> <g> <b>  fill the LED strip")
		fmt.Fprintln(w, "quit             leave")
	case "send":
		if len(args) < 2 {
			fmt.Fprintln(w, "usage: send <text>...")
			return false
		}
		for _, p := range args[1:] {
			if err := send(r, w, p); err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
			}
		}
	case "led":
		var rgb [3]uint8
		if len(args) != 4 {
			fmt.Fprintln(w, "usage: led <r> <g> <b>")
			return false
		}
		for i, a := range args[1:] {
			v, err := strconv.ParseUint(a, 0, 8)
			if err != nil {
				fmt.Fprintf(w, "bad channel value %q\n", a)
				return false
			}
			rgb[i] = uint8(v)
		}
		if err := r.fill(color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 0xff}); err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			return false
		}
		fmt.Fprintln(w, "ok")
	default:
		fmt.Fprintf(w, "unknown command %q\n", args[0])
	}
	return false
}
