package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iot1/pldmagent/internal/logging"
)

var ErrFrameTooLarge = errors.New("link: frame exceeds size limit")

// TCPConfig describes the connection to an external MCTP demux daemon that
// exposes de-framed messages over a local socket.
type TCPConfig struct {
	Address       string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes uint32
}

func (c TCPConfig) WithDefaults() TCPConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 64 * 1024
	}
	return c
}

// TCPLink carries whole messages as uint32-length-prefixed frames over one
// TCP connection. A reader goroutine feeds an internal queue so TryReceive
// never blocks.
type TCPLink struct {
	cfg  TCPConfig
	conn net.Conn
	log  zerolog.Logger

	inbox chan []byte
	done  chan struct{}

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error

	errMu   sync.Mutex
	readErr error
}

func DialTCP(cfg TCPConfig) (*TCPLink, error) {
	cfg = cfg.WithDefaults()
	conn, err := net.DialTimeout("tcp", cfg.Address, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", cfg.Address, err)
	}
	l := &TCPLink{
		cfg:   cfg,
		conn:  conn,
		log:   logging.Component("link"),
		inbox: make(chan []byte, memQueueDepth),
		done:  make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *TCPLink) Send(msg []byte) error {
	if uint32(len(msg)) > l.cfg.MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}

	if err := l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(msg)))
	if _, err := l.conn.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := l.conn.Write(msg); err != nil {
		return err
	}
	return nil
}

func (l *TCPLink) TryReceive() ([]byte, error) {
	select {
	case frame := <-l.inbox:
		return frame, nil
	default:
	}
	if err := l.takeReadErr(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (l *TCPLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

func (l *TCPLink) readLoop() {
	for {
		var prefix [4]byte
		if _, err := io.ReadFull(l.conn, prefix[:]); err != nil {
			l.finishRead(err)
			return
		}
		size := binary.BigEndian.Uint32(prefix[:])
		if size > l.cfg.MaxFrameBytes {
			l.finishRead(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size))
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(l.conn, frame); err != nil {
			l.finishRead(err)
			return
		}
		select {
		case l.inbox <- frame:
		case <-l.done:
			return
		}
	}
}

func (l *TCPLink) finishRead(err error) {
	select {
	case <-l.done:
		// Local close tore the connection down; not a link fault.
		return
	default:
	}
	l.errMu.Lock()
	l.readErr = err
	l.errMu.Unlock()
	l.log.Warn().Err(err).Str("address", l.cfg.Address).Msg("link read loop ended")
}

// takeReadErr hands the stored read error out once, so a dead connection is
// reported to the poller without being re-logged every poll interval.
func (l *TCPLink) takeReadErr() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	err := l.readErr
	l.readErr = nil
	return err
}
