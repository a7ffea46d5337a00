package main

import (
	"crypto/x509"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	TLStream "github.com/PranavSah/TLStream"
)

func main() {
	addr := flag.String("addr", "", "host:port to probe")
	insecure := flag.Bool("insecure", false, "accept any certificate chain")
	falseStart := flag.Bool("false-start", false, "enable false start on forward-secret suites")
	head := flag.Bool("head", false, "send an HTTP HEAD request after the handshake")
	logFile := flag.String("log", "", "append logs to this file (rotated); debug level needs -v")
	verbose := flag.Bool("v", false, "debug logging on stderr and in the -log file")
	flag.Parse()

	if *addr == "" {
		fmt.Fprintln(os.Stderr, "usage: tlsprobe -addr host:port [-insecure] [-head]")
		os.Exit(2)
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}}
	if *logFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    10, // MiB
			MaxBackups: 3,
		})
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(writers...))
	if !*verbose {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	host, _, err := net.SplitHostPort(*addr)
	if err != nil {
		host = *addr
	}

	config := TLStream.NewConfig(host)
	config.FalseStart = *falseStart
	if *insecure {
		config.VerifyPeer = func(_ *x509.Certificate, _ []*x509.Certificate, _ TLStream.ChainStatus) bool {
			return true
		}
	}

	stream, err := TLStream.Dial("tcp", *addr, config)
	if err != nil {
		log.Fatal().Err(err).Msg("dial failed")
	}
	defer stream.Close()

	start := time.Now()
	if err := stream.PerformInitialHandshake(); err != nil {
		log.Fatal().Err(err).Msg("handshake failed")
	}

	fmt.Printf("connected to %s in %s\n", *addr, time.Since(start).Round(time.Millisecond))
	fmt.Printf("cipher suite:         %s\n", stream.NegotiatedCipherSuite())
	fmt.Printf("secure renegotiation: %v\n", stream.IsSecureRenegotiation())
	for i, cert := range stream.PeerCertificates() {
		fmt.Printf("cert[%d]: subject=%q issuer=%q notAfter=%s\n",
			i, cert.Subject, cert.Issuer, cert.NotAfter.Format(time.DateOnly))
	}

	if *head {
		request := strings.Join([]string{
			"HEAD / HTTP/1.1",
			"Host: " + host,
			"Connection: close",
			"", "",
		}, "\r\n")
		if _, err := stream.Write([]byte(request)); err != nil {
			log.Fatal().Err(err).Msg("write failed")
		}

		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				os.Stdout.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
	}
}
