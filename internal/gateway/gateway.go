// Package gateway is the WebSocket endpoint glue: on accept it mints a
// connection id, sends a welcome frame, dispatches typed inbound messages
// to handlers, publishes health-change broadcasts, and guarantees clean
// teardown on disconnect.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hiware-ops/sshconsole/internal/connid"
	"github.com/hiware-ops/sshconsole/internal/gwerrors"
	"github.com/hiware-ops/sshconsole/internal/healthmon"
	"github.com/hiware-ops/sshconsole/internal/history"
	"github.com/hiware-ops/sshconsole/internal/logging"
	"github.com/hiware-ops/sshconsole/internal/logutil"
	"github.com/hiware-ops/sshconsole/internal/protocol"
	"github.com/hiware-ops/sshconsole/internal/registry"
	"github.com/hiware-ops/sshconsole/internal/session"
	"github.com/hiware-ops/sshconsole/internal/sshrunner"
	"github.com/hiware-ops/sshconsole/internal/tasks"
)

const cancelDeadline = 5 * time.Second

// Gateway owns the WebSocket endpoint and the shared singletons every
// connection's handlers consult: the host registry, the health monitor,
// the process-wide session lock, and the task registry.
type Gateway struct {
	registry *registry.Registry
	health   *healthmon.Monitor
	lock     *session.Lock
	tasks    *tasks.Registry
	recorder *history.Recorder

	runnerOpts     sshrunner.Options
	commandTimeout time.Duration
	scpTimeout     time.Duration

	connsMu sync.Mutex
	conns   map[connid.ID]*connection

	subscribedOnce sync.Once
}

// New builds a Gateway wired to its collaborators. recorder may be nil if
// history recording is disabled. commandTimeout and scpTimeout bound an
// individual ssh_command/scp_transfer task; both fall back to the spec's
// defaults (30s, 600s) when zero.
func New(reg *registry.Registry, health *healthmon.Monitor, lock *session.Lock, recorder *history.Recorder, runnerOpts sshrunner.Options, commandTimeout, scpTimeout time.Duration) *Gateway {
	if commandTimeout <= 0 {
		commandTimeout = 30 * time.Second
	}
	if scpTimeout <= 0 {
		scpTimeout = 600 * time.Second
	}
	g := &Gateway{
		registry:       reg,
		health:         health,
		lock:           lock,
		tasks:          tasks.New(),
		recorder:       recorder,
		runnerOpts:     runnerOpts,
		commandTimeout: commandTimeout,
		scpTimeout:     scpTimeout,
		conns:          make(map[connid.ID]*connection),
	}
	return g
}

type connection struct {
	id     connid.ID
	ws     *websocket.Conn
	runner *sshrunner.Runner
	ctx    context.Context

	writeMu sync.Mutex

	batchID   uuid.UUID
	startedAt time.Time
	stages    []string
	clientIP  string
}

func (c *connection) sendJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements the /ws/v1/stub endpoint.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.subscribedOnce.Do(func() {
		g.subscribeHealth()
		g.subscribeLock()
	})

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("%swebsocket accept failed: %v", logging.PrefixGateway, err)
		return
	}
	defer ws.CloseNow()

	id := connid.New()
	ws.SetReadLimit(1024 * 1024)

	conn := &connection{
		id:       id,
		ws:       ws,
		runner:   sshrunner.New(g.runnerOpts),
		ctx:      r.Context(),
		clientIP: r.RemoteAddr,
	}

	g.connsMu.Lock()
	g.conns[id] = conn
	g.connsMu.Unlock()

	log.Printf("%sconnection accepted: %s", logging.PrefixGateway, id)

	if err := g.sendWelcome(conn); err != nil {
		log.Printf("%s[%s] failed to send welcome: %v", logging.PrefixGateway, id, err)
		g.teardown(conn)
		return
	}

	g.dispatchLoop(conn)
	g.teardown(conn)
}

func (g *Gateway) sendWelcome(conn *connection) error {
	lockSnap := g.lock.Snapshot()
	health := make(map[string]protocol.HealthSnapshot)
	for alias, snap := range g.health.AllSnapshots() {
		health[alias] = toWireHealth(snap)
	}

	w := protocol.Welcome{
		Type:         protocol.TypeWelcome,
		ConnectionID: string(conn.id),
		LockStatus: protocol.LockStatus{
			Locked:    lockSnap.Active,
			LockOwner: lockSnap.Owner,
		},
		SessionStatus: protocol.SessionStatus{
			Active: lockSnap.Active && lockSnap.Owner == string(conn.id),
			Owner:  lockSnap.Owner,
		},
		ServerHealth: health,
	}
	return conn.sendJSON(conn.ctx, w)
}

func toWireHealth(s healthmon.HealthSnapshot) protocol.HealthSnapshot {
	return protocol.HealthSnapshot{
		ServerName:           s.ServerName,
		Host:                 s.Host,
		IsHealthy:            s.IsHealthy,
		LastChecked:          s.LastChecked.UTC().Format(time.RFC3339),
		ConsecutiveFailures:  s.ConsecutiveFailures,
		ConsecutiveSuccesses: s.ConsecutiveSuccesses,
	}
}

func (g *Gateway) dispatchLoop(conn *connection) {
	for {
		_, data, err := conn.ws.Read(conn.ctx)
		if err != nil {
			return
		}

		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			g.sendError(conn, gwerrors.WSInvalid, "malformed json", "")
			continue
		}

		switch in.Type {
		case protocol.TypeStartSession:
			g.handleStartSession(conn)
		case protocol.TypeEndSession:
			g.handleEndSession(conn)
		case protocol.TypeSSHCommand:
			g.handleSSHCommand(conn, in.Data)
		case protocol.TypeSCPTransfer:
			g.handleSCPTransfer(conn, in.Data)
		default:
			g.sendError(conn, gwerrors.WSHandlerNotFound, fmt.Sprintf("no handler for %q", in.Type), "")
		}
	}
}

func (g *Gateway) sendError(conn *connection, code gwerrors.Code, message, detail string) {
	if err := conn.sendJSON(conn.ctx, protocol.NewError(int(code), message, detail)); err != nil {
		log.Printf("%s[%s] failed to send error frame: %v", logging.PrefixGateway, conn.id, err)
	}
}

func (g *Gateway) handleStartSession(conn *connection) {
	if err := g.lock.Acquire(string(conn.id)); err != nil {
		if already, ok := err.(*session.ErrAlreadyActive); ok {
			g.sendError(conn, gwerrors.SessionAlreadyActive, "session already active", "owner="+already.Owner)
			return
		}
		g.sendError(conn, gwerrors.SessionAlreadyActive, err.Error(), "")
		return
	}
	conn.batchID = uuid.New()
	conn.startedAt = time.Now()
	conn.stages = nil

	_ = conn.sendJSON(conn.ctx, protocol.NewSessionStarted(string(conn.id)))
}

func (g *Gateway) handleEndSession(conn *connection) {
	if g.tasks.HasLive(string(conn.id)) {
		if err := g.tasks.Cancel(string(conn.id), cancelDeadline); err != nil {
			log.Printf("%s[%s] cancel on end_session: %v", logging.PrefixGateway, conn.id, err)
		}
	}

	if err := g.lock.Release(string(conn.id)); err != nil {
		switch err.(type) {
		case *session.ErrNoActiveSession:
			g.sendError(conn, gwerrors.NoActiveSession, "no active session", "")
		case *session.ErrNotOwner:
			g.sendError(conn, gwerrors.NotSessionOwner, "not session owner", "")
		default:
			g.sendError(conn, gwerrors.NotSessionOwner, err.Error(), "")
		}
		return
	}

	_ = conn.sendJSON(conn.ctx, protocol.NewSessionEnded())
}

func (g *Gateway) handleSSHCommand(conn *connection, raw json.RawMessage) {
	if err := g.lock.Require(string(conn.id)); err != nil {
		g.sendError(conn, gwerrors.NotSessionOwner, "not session owner", "")
		return
	}

	var data protocol.SSHCommandData
	if err := json.Unmarshal(raw, &data); err != nil {
		g.sendError(conn, gwerrors.WSInvalid, "malformed ssh_command payload", "")
		return
	}

	host, err := g.registry.ResolveHost(data.ServerName)
	if err != nil {
		g.sendError(conn, gwerrors.SSHConnectFailed, "unknown host alias", data.ServerName)
		return
	}

	work := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, g.commandTimeout)
		defer cancel()

		sink := func(chunk string) error {
			return conn.sendJSON(ctx, protocol.NewOutput(chunk))
		}

		if err := conn.runner.Connect(ctx, host); err != nil {
			g.emitTaskError(conn, err, gwerrors.SSHConnectFailed)
			return
		}
		outcome, err := conn.runner.RunInteractive(ctx, data.Command, data.StopPhrase, sink)
		_ = conn.runner.Disconnect()
		if err != nil {
			g.emitTaskError(conn, err, gwerrors.SSHCommandFailed)
			return
		}
		g.finishStage(conn, "ssh_command", outcome, gwerrors.SSHCommandFailed)
	}

	if err := g.tasks.Start(conn.ctx, string(conn.id), work); err != nil {
		g.sendError(conn, gwerrors.TaskAlreadyRunning, "task already running", "")
	}
}

func (g *Gateway) handleSCPTransfer(conn *connection, raw json.RawMessage) {
	if err := g.lock.Require(string(conn.id)); err != nil {
		g.sendError(conn, gwerrors.NotSessionOwner, "not session owner", "")
		return
	}

	var data protocol.SCPTransferData
	if err := json.Unmarshal(raw, &data); err != nil {
		g.sendError(conn, gwerrors.WSInvalid, "malformed scp_transfer payload", "")
		return
	}

	recipe, err := g.registry.ResolveTransfer(data.TransferName)
	if err != nil {
		g.sendError(conn, gwerrors.SCPFailed, "unknown transfer recipe", data.TransferName)
		return
	}
	src, err := g.registry.ResolveHost(recipe.SrcAlias)
	if err != nil {
		g.sendError(conn, gwerrors.SCPFailed, "unknown source alias", recipe.SrcAlias)
		return
	}
	dst, err := g.registry.ResolveHost(recipe.DstAlias)
	if err != nil {
		g.sendError(conn, gwerrors.SCPFailed, "unknown destination alias", recipe.DstAlias)
		return
	}

	work := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, g.scpTimeout)
		defer cancel()

		sink := func(chunk string) error {
			return conn.sendJSON(ctx, protocol.NewOutput(chunk))
		}

		if err := conn.runner.Connect(ctx, src); err != nil {
			g.emitTaskError(conn, err, gwerrors.SCPFailed)
			return
		}
		outcome, err := conn.runner.SCPTransfer(ctx, recipe, src, dst, sink)
		_ = conn.runner.Disconnect()
		if err != nil {
			g.emitTaskError(conn, err, gwerrors.SCPFailed)
			return
		}
		g.finishStage(conn, "scp_transfer", outcome, gwerrors.SCPFailed)
	}

	if err := g.tasks.Start(conn.ctx, string(conn.id), work); err != nil {
		g.sendError(conn, gwerrors.TaskAlreadyRunning, "task already running", "")
	}
}

// emitTaskError converts a task-boundary error into a terminal error frame
// on the owning connection. The connection is not closed; the client may
// retry.
func (g *Gateway) emitTaskError(conn *connection, err error, fallback gwerrors.Code) {
	code := fallback
	detail := err.Error()
	if ge, ok := gwerrors.As(err); ok {
		code = ge.Code
		detail = ge.Detail
	}

	recent := recentOutput(conn.runner.Scrollback(), 3)
	log.Printf("%s[%s] task failed code=%d detail=%s recent_output=%s", logging.PrefixGateway, conn.id, code, logutil.SanitizeForLog(detail), logutil.SanitizeForLog(recent))
	if recent != "" {
		detail = fmt.Sprintf("%s | recent output: %s", detail, recent)
	}
	_ = conn.sendJSON(conn.ctx, protocol.NewError(int(code), "operation failed", detail))
}

// recentOutput joins the last n scrollback batches, trimmed, for inclusion
// in a diagnostic log line or an error frame's detail field.
func recentOutput(batches []string, n int) string {
	if len(batches) > n {
		batches = batches[len(batches)-n:]
	}
	return strings.TrimSpace(strings.Join(batches, ""))
}

// finishStage emits the terminal frame for a completed stage and, on a
// clean completion, records the stage and hands a completion record
// carrying the stages completed so far to the history collaborator. This
// happens after every completed stage: it does not determine whether the
// stage is the workflow's last, so one batch can produce several records.
func (g *Gateway) finishStage(conn *connection, stageName string, outcome sshrunner.Outcome, failCode gwerrors.Code) {
	switch outcome {
	case sshrunner.OutcomeCompleted:
		conn.stages = append(conn.stages, stageName)
		_ = conn.sendJSON(conn.ctx, protocol.NewComplete("Command execution completed"))
		g.recordIfLockedStillByOwner(conn)
	case sshrunner.OutcomeCancelled:
		_ = conn.sendJSON(conn.ctx, protocol.NewError(int(failCode), "operation cancelled", "cancelled"))
	case sshrunner.OutcomeClosed:
		_ = conn.sendJSON(conn.ctx, protocol.NewError(int(failCode), "channel closed before completion", ""))
	}
}

// recordIfLockedStillByOwner writes a completion record after a
// successful terminal stage, provided conn still holds the session lock.
// It is best-effort and never blocks the WebSocket reply.
func (g *Gateway) recordIfLockedStillByOwner(conn *connection) {
	if g.recorder == nil || conn.batchID == uuid.Nil {
		return
	}
	if g.lock.Require(string(conn.id)) != nil {
		return
	}
	rec := history.WorkflowCompletion{
		BatchID:      conn.batchID,
		ConnectionID: string(conn.id),
		StartedAt:    conn.startedAt,
		CompletedAt:  time.Now(),
		ClientIP:     conn.clientIP,
		Stages:       append([]string{}, conn.stages...),
	}
	go func() {
		if err := g.recorder.RecordCompletion(context.Background(), rec); err != nil {
			log.Printf("%s[%s] record completion: %v", logging.PrefixHistory, conn.id, err)
		}
	}()
}

// subscribeLock registers the lock broadcast as a Listener on the session
// lock itself, so every acquire/release transition — including the one
// ReleaseIfOwner makes on disconnect teardown — reaches every live
// connection without a separate manual broadcast call at each call site.
func (g *Gateway) subscribeLock() {
	g.lock.Subscribe(func(snap session.Snapshot) {
		g.broadcast(protocol.LockStatusMsg{
			Type:      protocol.TypeLockStatus,
			Locked:    snap.Active,
			LockOwner: snap.Owner,
		})
	})
}

func (g *Gateway) broadcast(v interface{}) {
	g.connsMu.Lock()
	conns := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.Unlock()

	for _, c := range conns {
		if err := c.sendJSON(c.ctx, v); err != nil {
			log.Printf("%s[%s] broadcast send failed: %v", logging.PrefixGateway, c.id, err)
		}
	}
}

// SurrenderStaleTasks cancels every task handle older than maxAge and
// returns the connection ids it signalled. Intended for a periodic sweep
// that reclaims handles left registered after a cancel-deadline timeout.
func (g *Gateway) SurrenderStaleTasks(maxAge time.Duration) []string {
	return g.tasks.SurrenderStale(maxAge)
}

// RecentHealthEvents returns alias's recent health transitions, wire-
// encoded, for the diagnostics HTTP surface.
func (g *Gateway) RecentHealthEvents(alias string) []protocol.HealthEvent {
	events := g.health.RecentEvents(alias)
	out := make([]protocol.HealthEvent, len(events))
	for i, e := range events {
		out[i] = protocol.HealthEvent{
			ServerName: alias,
			WasHealthy: e.From,
			IsHealthy:  e.To,
			At:         e.At.UTC().Format(time.RFC3339),
		}
	}
	return out
}

// DiagnosticsHealthHandler serves GET /api/v1/diagnostics/health/{alias},
// the operator-facing surface for the health monitor's recent-transitions
// ring. It never changes the server_health broadcast contract.
func (g *Gateway) DiagnosticsHealthHandler(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.RecentHealthEvents(alias)); err != nil {
		log.Printf("%sdiagnostics health encode: %v", logging.PrefixGateway, err)
	}
}

func (g *Gateway) subscribeHealth() {
	g.health.Subscribe(func(alias string, snap healthmon.HealthSnapshot) {
		msg := protocol.ServerHealth{
			Type:       protocol.TypeServerHealth,
			ServerName: alias,
			IsHealthy:  snap.IsHealthy,
			Status:     toWireHealth(snap),
		}
		g.broadcast(msg)
	})
}

// teardown runs the four disconnect steps unconditionally, logging but not
// aborting on any individual failure.
func (g *Gateway) teardown(conn *connection) {
	connIDStr := string(conn.id)

	if g.tasks.HasLive(connIDStr) {
		if err := g.tasks.Cancel(connIDStr, cancelDeadline); err != nil {
			log.Printf("%s[%s] teardown cancel: %v", logging.PrefixGateway, conn.id, err)
		}
	}

	g.lock.ReleaseIfOwner(connIDStr)

	if err := conn.runner.Close(); err != nil {
		log.Printf("%s[%s] teardown close runner: %v", logging.PrefixGateway, conn.id, err)
	}

	g.connsMu.Lock()
	delete(g.conns, conn.id)
	g.connsMu.Unlock()

	log.Printf("%sconnection closed: %s", logging.PrefixGateway, logutil.SanitizeForLog(connIDStr))
}
