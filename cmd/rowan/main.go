package main

import (
	"errors"
	"flag"
	"io"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/gops/agent"
	"github.com/nicolagi/rowan/ring"
	log "github.com/sirupsen/logrus"
)

const (
	// How long a pipe will wait on the outbound connection before
	// giving up and buffering instead.
	flushTimeout = 10 * time.Millisecond

	traceMsize = 8192
)

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// drain empties the send buffer into out with blocking writes. Used
// when the inbound side is done and only buffered bytes remain.
func drain(buffer *ring.Buffer, out net.Conn, logger *log.Entry) {
	_ = out.SetWriteDeadline(time.Time{})
	for !buffer.IsEmpty() {
		if _, err := buffer.FlushTo(out); err != nil {
			logger.WithField("cause", err).Error("Could not drain send buffer")
			return
		}
	}
}

func pipe(in net.Conn, out net.Conn, capacity uint32, trace bool) {
	defer func() {
		_ = in.Close()
		_ = out.Close()
	}()
	logger := log.WithFields(log.Fields{
		"op":  "pipe",
		"in":  in.RemoteAddr(),
		"out": out.LocalAddr(),
	})
	buffer, err := ring.NewBuffer(capacity)
	if err != nil {
		logger.WithField("cause", err).Error("Could not create send buffer")
		return
	}
	var messages *ring.MessageBuffer
	if trace {
		messages, err = ring.NewMessageBuffer(traceMsize)
		if err != nil {
			logger.WithField("cause", err).Error("Could not create message buffer")
			return
		}
	}
	logger.Info("Starting net pipe")
	chunkSize := 4096
	if int(capacity) < chunkSize {
		chunkSize = int(capacity)
	}
	chunk := make([]byte, chunkSize)
	for {
		n, err := in.Read(chunk)
		if errors.Is(err, io.EOF) {
			drain(buffer, out, logger)
			return
		}
		if err != nil {
			// Fragile. The error is poll.ErrNetClosing but it's in an internal package.
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			logger.WithField("cause", err).Error("Could not read")
			return
		}
		if messages != nil {
			if err := messages.Ingest(chunk[:n]); err != nil {
				logger.WithField("cause", err).Warning("Failed ingesting")
			} else if err := messages.PrintMessages(os.Stdout); err != nil {
				logger.WithField("cause", err).Warning("Failed logging ingested messages")
			}
		}
		// New bytes always go through the buffer, behind whatever a
		// slow peer left in it; the flush below keeps ordering.
		for {
			err := buffer.Push(chunk[:n])
			if err == nil {
				break
			}
			if !errors.Is(err, ring.ErrFull) {
				logger.WithField("cause", err).Error("Could not buffer")
				return
			}
			// Buffer full: block on the outbound side until there's
			// room again, propagating the backpressure to the reader.
			_ = out.SetWriteDeadline(time.Time{})
			if _, err := buffer.FlushTo(out); err != nil {
				logger.WithField("cause", err).Error("Could not write")
				return
			}
		}
		_ = out.SetWriteDeadline(time.Now().Add(flushTimeout))
		if _, err := buffer.FlushTo(out); err != nil {
			if isTimeout(err) {
				// Slow peer. Keep the bytes buffered and get back to
				// reading; they go out on a later pass.
				continue
			}
			logger.WithField("cause", err).Error("Could not write")
			return
		}
	}
}

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	var lnet, laddr, rnet, raddr string
	var txbuf uint
	var trace bool
	flag.StringVar(&lnet, "lnet", "tcp", "local listen address network `type`")
	flag.StringVar(&laddr, "l", "", "local listen `address`")
	flag.StringVar(&rnet, "rnet", "tcp", "remote connect address network `type`")
	flag.StringVar(&raddr, "r", "", "remote connect `address`")
	flag.UintVar(&txbuf, "txbuf", 65536, "per-direction send buffer capacity in `bytes`, a power of two")
	flag.BoolVar(&trace, "9p", false, "decode and log relayed 9p messages")
	flag.Parse()

	logger := log.WithFields(log.Fields{
		"lnet":  lnet,
		"laddr": laddr,
		"rnet":  rnet,
		"raddr": raddr,
	})

	if laddr == "" || raddr == "" {
		flag.Usage()
		os.Exit(1)
	}
	if txbuf == 0 || txbuf > math.MaxUint32 || txbuf&(txbuf-1) != 0 {
		logger.WithField("txbuf", txbuf).Fatal("Send buffer capacity must be a power of two that fits in 32 bits")
	}

	if err := agent.Listen(agent.Options{}); err != nil {
		logger.WithField("cause", err).Warning("Could not start gops agent")
	}

	listener, err := net.Listen(lnet, laddr)
	if err != nil && lnet == "unix" {
		listener, err = retryIfStaleUnixSocket(err, laddr)
	}
	if err != nil {
		logger.WithField("cause", err).Fatal("Could not listen")
	}
	for {
		local, err := listener.Accept()
		if err != nil {
			logger.WithField("cause", err).Error("Could not accept")
			continue
		}
		remote, err := net.Dial(rnet, raddr)
		if err != nil {
			_ = local.Close()
			logger.WithField("cause", err).Error("Could not connect")
			continue
		}
		go pipe(remote, local, uint32(txbuf), trace)
		go pipe(local, remote, uint32(txbuf), trace)
	}
}
