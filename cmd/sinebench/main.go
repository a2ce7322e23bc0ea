package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sine-fdn/sinebench/internal/frontend"
	"github.com/sine-fdn/sinebench/internal/identity"
	"github.com/sine-fdn/sinebench/internal/mpc"
	"github.com/sine-fdn/sinebench/internal/p2p"
	"github.com/sine-fdn/sinebench/internal/session"
	"github.com/sine-fdn/sinebench/pkg/logger"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitProtocol  = 2
	exitUserOrTTL = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		name     string
		input    string
		address  string
		listen   string
		nat      bool
		logLevel string
	)
	flag.StringVar(&name, "name", "", "Display name shown to the other participants (required)")
	flag.StringVar(&input, "input", "", "Path to the JSON input file (required)")
	flag.StringVar(&address, "address", "", "Session multiaddr to join; leave empty to start a new session")
	flag.StringVar(&listen, "listen", "", "Listen multiaddr (default: every interface, OS-assigned port)")
	flag.BoolVar(&nat, "nat", true, "Request a NAT port mapping and advertise the mapped address")
	flag.StringVar(&logLevel, "log-level", "error", "Log verbosity: debug, info or error")
	flag.Parse()

	logger.SetLevel(logLevel)

	if name == "" || strings.ContainsAny(name, "\r\n") {
		fmt.Fprintln(os.Stderr, "error: Config: --name is required and must not contain newlines")
		return exitConfig
	}
	if input == "" {
		fmt.Fprintln(os.Stderr, "error: Config: --input is required")
		return exitConfig
	}

	raw, err := frontend.ReadInputs(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: Config: %v\n", err)
		return exitConfig
	}
	inputs := make(map[string]mpc.Element, len(raw))
	for key, dec := range raw {
		e, err := mpc.Encode(dec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: Config: %v\n", &frontend.BadInputError{Key: key, Reason: err.Error()})
			return exitConfig
		}
		inputs[key] = e
	}

	kp, err := identity.Generate(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: Config: %v\n", err)
		return exitConfig
	}

	cfg := session.Config{
		Leader: address == "",
		Name:   name,
		Inputs: inputs,
	}
	tcfg := p2p.Config{Dial: address, NAT: nat}
	if listen != "" {
		tcfg.Listen = []string{listen}
	}
	if address != "" {
		id, err := p2p.PeerIDFromAddr(address)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: Config: invalid --address: %v\n", err)
			return exitConfig
		}
		cfg.LeaderPeerID = id
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fe := frontend.NewTerminal()
	if address != "" {
		fe.Notify("Joining session at " + address)
	}
	sess := session.New(cfg, kp, p2p.NewTransport(tcfg), fe)
	if _, err := sess.Run(ctx); err != nil {
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var aerr *session.AbortError
	if errors.As(err, &aerr) {
		switch session.KindOf(aerr.Reason) {
		case session.KindUser, session.KindTimeout:
			return exitUserOrTTL
		case session.KindConfig:
			return exitConfig
		default:
			return exitProtocol
		}
	}
	return exitConfig
}
