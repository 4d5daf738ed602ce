package core

import (
	"context"
	"fmt"
	"io"
	"os"

	derr "deployer/internal/errors"
	"deployer/internal/metrics"
	"deployer/internal/service"
	"deployer/internal/telnet"
	"deployer/util"
)

// TelnetMode serves the root service to telnet clients.
type TelnetMode struct {
	Port        int // 0: telnet.DefaultPort
	Interactive bool
	Service     service.Service
	Logger      *util.Logger

	// Stdout receives the bound address.  Defaults to os.Stdout.
	Stdout io.Writer
}

// Run listens on the telnet port until ctx is cancelled.
func (m *TelnetMode) Run(ctx context.Context) error {
	collector := metrics.New()
	srv := telnet.New(telnet.Config{
		Port:        m.Port,
		Service:     m.Service,
		Interactive: m.Interactive,
		Logger:      m.Logger,
		Metrics:     collector,
	})
	bound, err := srv.Listen()
	if err != nil {
		return derr.Bootstrap("bind", srv.Addr(), err)
	}

	out := m.Stdout
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "telnet server listening on %s\n", bound)

	err = srv.Serve(ctx)
	m.Logger.Debug("telnet metrics: %s", collector.JSON())
	return err
}
