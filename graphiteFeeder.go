package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/Financial-Times/go-logger"
	"github.com/benbjohnson/clock"
)

const (
	pilotLightFormat     = "upp.gateway.%s.pilot-light 1 %d\n"
	breakerMetricFormat  = "upp.gateway.%s.breakers.%s.state %d %d\n"
	fallbackMetricFormat = "upp.gateway.%s.breakers.%s.fallbacks %d %d\n"
	canaryMetricFormat   = "upp.gateway.%s.canaries.%s.error-rate %.4f %d\n"
)

type graphiteFeeder struct {
	url         string
	environment string
	connection  net.Conn
	clock       clock.Clock
	source      metricsSource
}

func newGraphiteFeeder(url string, environment string, c clock.Clock, source metricsSource) *graphiteFeeder {
	return &graphiteFeeder{
		url:         url,
		environment: environment,
		connection:  tcpConnect(url),
		clock:       c,
		source:      source,
	}
}

func (g *graphiteFeeder) feed(ctx context.Context) {
	ticker := g.clock.Ticker(feedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if g.connection != nil {
				_ = g.connection.Close()
			}
			return
		case <-ticker.C:
			if err := g.sendPilotLight(); err != nil {
				log.WithError(err).Warn("Problem encountered while sending pilot light to Graphite.")
				g.reconnect()
				continue
			}
			if err := g.sendMetrics(); err != nil {
				log.WithError(err).Warn("Problem encountered while sending gateway metrics to Graphite.")
				g.reconnect()
			}
		}
	}
}

func (g *graphiteFeeder) sendPilotLight() error {
	if g.connection == nil {
		return errors.New("can't send pilot light, no Graphite connection is set")
	}
	_, err := fmt.Fprintf(g.connection, pilotLightFormat, g.environment, g.clock.Now().Unix())
	return err
}

func (g *graphiteFeeder) sendMetrics() error {
	if g.connection == nil {
		return errors.New("can't send metrics, no Graphite connection is set")
	}

	now := g.clock.Now().Unix()
	var lines strings.Builder
	for _, b := range g.source.breakerDashboard().Breakers {
		name := graphiteName(b.Name)
		fmt.Fprintf(&lines, breakerMetricFormat, g.environment, name, int(breakerStateValue(b.State)), now)
		fmt.Fprintf(&lines, fallbackMetricFormat, g.environment, name, b.Fallbacks, now)
	}
	for _, v := range g.source.variantStats() {
		if v.Canary {
			fmt.Fprintf(&lines, canaryMetricFormat, g.environment, graphiteName(v.ID), v.WindowErrorRate, now)
		}
	}

	if lines.Len() == 0 {
		return nil
	}
	_, err := g.connection.Write([]byte(lines.String()))
	return err
}

func graphiteName(name string) string {
	return strings.Replace(name, ".", "-", -1)
}

func (g *graphiteFeeder) reconnect() {
	log.Info("Reconnecting to Graphite host.")
	if g.connection != nil {
		_ = g.connection.Close()
	}
	g.connection = tcpConnect(g.url)
}

func tcpConnect(url string) net.Conn {
	conn, err := net.Dial("tcp", url)
	if err != nil {
		log.WithError(err).Warn("Error while creating TCP connection")
		return nil
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(30 * time.Minute)
	}
	return conn
}
