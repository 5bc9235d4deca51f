// Package sshrunner is the per-connection facade over an SSH transport: at
// most one active transport, offering an interactive PTY command with
// throttled output streaming and a server-to-server SCP transfer.
package sshrunner

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/hiware-ops/sshconsole/internal/gwerrors"
	"github.com/hiware-ops/sshconsole/internal/logging"
	"github.com/hiware-ops/sshconsole/internal/logutil"
	"github.com/hiware-ops/sshconsole/internal/registry"
)

// Phase is the SSHRunner's state machine position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnected
	PhaseStreaming
	PhaseTransferring
	PhaseClosed
)

// Outcome describes how a streamed operation ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeClosed    Outcome = "closed"
)

// OutputSink receives flushed output batches. A non-nil error signals the
// runner to treat the write as a disconnect and abandon the operation.
type OutputSink func(data string) error

// Options tunes the throttling and timeout knobs; zero values fall back to
// the spec's defaults.
type Options struct {
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	FlushInterval  time.Duration
	FlushBytes     int
	ScrollbackSize int
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 100 * time.Millisecond
	}
	if o.FlushBytes <= 0 {
		o.FlushBytes = 4096
	}
	if o.ScrollbackSize <= 0 {
		o.ScrollbackSize = 64
	}
}

// Runner is a single-connection facade: only the owning connection's tasks
// may call it, and never two calls concurrently (enforced by the task
// registry upstream, not by internal locking here).
type Runner struct {
	opts Options

	mu     sync.Mutex
	phase  Phase
	client *ssh.Client

	scrollback *scrollback
}

// New builds an idle Runner.
func New(opts Options) *Runner {
	opts.setDefaults()
	return &Runner{
		phase:      PhaseIdle,
		opts:       opts,
		scrollback: newScrollback(opts.ScrollbackSize),
	}
}

// Phase reports the runner's current state.
func (r *Runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Scrollback returns the last flushed output batches, most recent last,
// for diagnostics on error. It is never replayed across connections.
func (r *Runner) Scrollback() []string {
	return r.scrollback.snapshot()
}

// Connect resolves host and opens an SSH transport, authenticating by
// trying "none" first, then password. Transitions idle -> connected.
func (r *Runner) Connect(ctx context.Context, host registry.HostConfig) error {
	r.mu.Lock()
	if r.phase != PhaseIdle {
		r.mu.Unlock()
		return gwerrors.New(gwerrors.SSHConnectFailed, "runner is not idle")
	}
	r.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", host.Host, host.Port)
	log.Printf("%sconnecting to %s (%s)", logging.PrefixSSH, logutil.SanitizeForLog(host.Alias), addr)

	config := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            authMethods(host.Password),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.opts.AuthTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	conn, err := dialWithContext(dialCtx, addr)
	if err != nil {
		return gwerrors.Wrap(gwerrors.SSHConnectFailed, host.Alias, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if dialCtx.Err() != nil {
			return gwerrors.Wrap(gwerrors.SSHConnectTimeout, host.Alias, err)
		}
		return gwerrors.Wrap(gwerrors.SSHAuthFailed, host.Alias, err)
	}

	client := ssh.NewClient(clientConn, chans, reqs)

	r.mu.Lock()
	r.client = client
	r.phase = PhaseConnected
	r.mu.Unlock()

	return nil
}

// authMethods offers password only; the protocol's implicit "none" probe
// happens automatically before the server rejects down to this method, so
// no explicit none AuthMethod is needed here.
func authMethods(password string) []ssh.AuthMethod {
	return []ssh.AuthMethod{ssh.Password(password)}
}

func dialWithContext(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// RunInteractive requires phase=connected. It allocates a PTY, sends
// command, and streams output to sink under the throttling/carriage-return
// rules until stop-phrase is seen, the channel closes, or ctx is
// cancelled.
func (r *Runner) RunInteractive(ctx context.Context, command, stopPhrase string, sink OutputSink) (Outcome, error) {
	r.mu.Lock()
	if r.phase != PhaseConnected {
		r.mu.Unlock()
		return "", gwerrors.New(gwerrors.SSHCommandFailed, "not connected")
	}
	client := r.client
	r.phase = PhaseStreaming
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.phase == PhaseStreaming {
			r.phase = PhaseConnected
		}
		r.mu.Unlock()
	}()

	session, err := client.NewSession()
	if err != nil {
		r.toClosedOnError()
		return "", gwerrors.Wrap(gwerrors.SSHCommandFailed, "open session", err)
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 40, 120, modes); err != nil {
		return "", gwerrors.Wrap(gwerrors.SSHCommandFailed, "request pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.SSHCommandFailed, "stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.SSHCommandFailed, "stdout pipe", err)
	}
	if err := session.Shell(); err != nil {
		return "", gwerrors.Wrap(gwerrors.SSHCommandFailed, "start shell", err)
	}

	if _, err := fmt.Fprintf(stdin, "%s\n", command); err != nil {
		return "", gwerrors.Wrap(gwerrors.SSHCommandFailed, "send command", err)
	}
	log.Printf("%scommand sent: %s", logging.PrefixSSH, logutil.SanitizeForLog(command))

	return r.streamOutput(ctx, stdout, stopPhrase, sink)
}

type readResult struct {
	data []byte
	err  error
}

// streamOutput implements the line accumulator and throttled-flush
// contract: carriage-return-terminated segments overwrite the current
// logical line and are not individually emitted; newline-terminated lines
// commit and are scanned for stop-phrase; flush happens on interval,
// byte-size threshold, or stop-phrase detection, whichever is first.
func (r *Runner) streamOutput(ctx context.Context, stdout io.Reader, stopPhrase string, sink OutputSink) (Outcome, error) {
	readCh := make(chan readResult, 1)
	go func() {
		for {
			buf := make([]byte, 4096)
			n, err := stdout.Read(buf)
			if n > 0 {
				readCh <- readResult{data: buf[:n]}
			}
			if err != nil {
				readCh <- readResult{err: err}
				return
			}
		}
	}()

	var outputBuf strings.Builder
	var pendingLine strings.Builder
	lastFlush := time.Now()

	flush := func() error {
		if outputBuf.Len() == 0 {
			return nil
		}
		batch := outputBuf.String()
		outputBuf.Reset()
		lastFlush = time.Now()
		r.scrollback.add(batch)
		if sink != nil {
			if err := sink(batch); err != nil {
				return err
			}
		}
		return nil
	}

	// commitLines applies the overwrite-on-\r / commit-on-\n accumulator to
	// one decoded chunk, segment by segment: a bare \r discards the
	// in-progress line instead of ending it, so a \r-overwritten progress
	// segment is never appended to outputBuf and never reaches the sink.
	// Only a \n-terminated, committed line is appended. It reports whether
	// stopPhrase appeared on a committed line.
	commitLines := func(decoded string) bool {
		stopDetected := false
		for _, c := range decoded {
			switch c {
			case '\r':
				pendingLine.Reset()
			case '\n':
				line := pendingLine.String()
				pendingLine.Reset()
				outputBuf.WriteString(line)
				outputBuf.WriteByte('\n')
				if stopPhrase != "" && strings.Contains(line, stopPhrase) {
					stopDetected = true
				}
			default:
				pendingLine.WriteRune(c)
			}
		}
		return stopDetected
	}

	idleCheck := time.NewTicker(r.opts.FlushInterval)
	defer idleCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return OutcomeCancelled, nil

		case res := <-readCh:
			if res.err != nil {
				if flushErr := flush(); flushErr != nil {
					return OutcomeCancelled, nil
				}
				return OutcomeClosed, nil
			}

			decoded := strings.ToValidUTF8(string(res.data), "�")
			stopDetected := commitLines(decoded)

			if outputBuf.Len() >= r.opts.FlushBytes {
				if err := flush(); err != nil {
					return OutcomeCancelled, nil
				}
			} else if time.Since(lastFlush) >= r.opts.FlushInterval {
				if err := flush(); err != nil {
					return OutcomeCancelled, nil
				}
			}

			if stopDetected {
				log.Printf("%sstop phrase detected", logging.PrefixSSH)
				if err := flush(); err != nil {
					return OutcomeCancelled, nil
				}
				return OutcomeCompleted, nil
			}

		case <-idleCheck.C:
			if outputBuf.Len() > 0 && time.Since(lastFlush) >= r.opts.FlushInterval {
				if err := flush(); err != nil {
					return OutcomeCancelled, nil
				}
			}
		}
	}
}

func (r *Runner) toClosedOnError() {
	r.mu.Lock()
	r.phase = PhaseClosed
	r.mu.Unlock()
}

// SCPTransfer requires phase=connected. It drives a server-to-server copy
// using sshpass+scp as a subprocess from this process (the connected host
// acts only as the credential source; the gateway process is the driver,
// matching the transfer pattern of the out-of-scope transport collaborator
// this runner wraps).
func (r *Runner) SCPTransfer(ctx context.Context, recipe registry.TransferRecipe, src, dst registry.HostConfig, sink OutputSink) (Outcome, error) {
	r.mu.Lock()
	if r.phase != PhaseConnected {
		r.mu.Unlock()
		return "", gwerrors.New(gwerrors.SCPFailed, "not connected")
	}
	r.phase = PhaseTransferring
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.phase == PhaseTransferring {
			r.phase = PhaseConnected
		}
		r.mu.Unlock()
	}()

	srcURL := fmt.Sprintf("%s@%s:%s", src.Username, src.Host, recipe.SrcPath)
	dstURL := fmt.Sprintf("%s@%s:%s", dst.Username, dst.Host, recipe.DstPath)

	log.Printf("%sscp transfer %s -> %s", logging.PrefixSSH, logutil.SanitizeForLog(srcURL), logutil.SanitizeForLog(dstURL))

	args := []string{"-p", src.Password, "scp",
		"-P", fmt.Sprintf("%d", src.Port),
		"-o", "StrictHostKeyChecking=no",
		"-r", srcURL, dstURL,
	}
	cmd := exec.CommandContext(ctx, "sshpass", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.SCPFailed, recipe.Name, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", gwerrors.Wrap(gwerrors.SCPFailed, recipe.Name, err)
	}

	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		buf := make([]byte, 4096)
		var acc strings.Builder
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				for {
					s := acc.String()
					idx := strings.IndexByte(s, '\n')
					if idx < 0 {
						break
					}
					lineCh <- s[:idx+1]
					acc.Reset()
					acc.WriteString(s[idx+1:])
				}
			}
			if rerr != nil {
				if acc.Len() > 0 {
					lineCh <- acc.String()
				}
				return
			}
		}
	}()

	for line := range lineCh {
		r.scrollback.add(line)
		if sink != nil {
			if err := sink(line); err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return OutcomeCancelled, nil
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		return "", gwerrors.Wrap(gwerrors.SCPFailed, exitDetail(err), err)
	}

	return OutcomeCompleted, nil
}

func exitDetail(err error) string {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Sprintf("exit code %d", exitErr.ExitCode())
	}
	return err.Error()
}

// Disconnect tears down the transport after one operation and returns the
// runner to idle so a later Connect on the same Runner (the next stage of a
// multi-stage workflow on the same connection) succeeds. A no-op if already
// idle or closed.
func (r *Runner) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseClosed {
		return nil
	}
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
	r.phase = PhaseIdle
	return nil
}

// Close tears down the transport permanently. Idempotent: closing a closed
// runner is a no-op success. Used only at connection teardown; a closed
// Runner cannot Connect again.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseClosed {
		return nil
	}
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
	r.phase = PhaseClosed
	return nil
}
