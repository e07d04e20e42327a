package controller

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/acct"
	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/hostlist"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/statestore"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// Controller serves the wire protocol, owns the registries, and drives
// checkpointing, retention, and time-limit enforcement.
type Controller struct {
	Registry *Registry

	credCap cred.Capability
	authKey []byte
	sink    acct.Sink
	store   *statestore.Store
	broker  *events.Broker
	logger  zerolog.Logger

	// TryPlace is installed by the scheduler: an immediate placement
	// attempt for one job. KickScheduler wakes the scheduling loop.
	TryPlace      func(*types.Job) bool
	KickScheduler func()

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup

	pmiMu  sync.Mutex
	pmiKVS map[string]map[string]string // jobid.stepid -> key -> value

	trigMu   sync.Mutex
	triggers map[string]*wire.TriggerSetRequest
}

// Config wires a Controller's collaborators.
type Config struct {
	Registry *Registry
	CredCap  cred.Capability
	AuthKey  []byte
	Sink     acct.Sink
	Store    *statestore.Store
	Broker   *events.Broker
}

// New creates a Controller.
func New(cfg *Config) *Controller {
	sink := cfg.Sink
	if sink == nil {
		sink = acct.Discard{}
	}
	return &Controller{
		Registry: cfg.Registry,
		credCap:  cfg.CredCap,
		authKey:  cfg.AuthKey,
		sink:     sink,
		store:    cfg.Store,
		broker:   cfg.Broker,
		logger:   log.WithComponent("controller"),
		stopCh:   make(chan struct{}),
		pmiKVS:   make(map[string]map[string]string),
		triggers: make(map[string]*wire.TriggerSetRequest),
	}
}

// Start begins serving RPCs on addr and starts the background loops.
func (c *Controller) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	c.listener = ln
	c.logger.Info().Str("addr", addr).Msg("controller listening")

	c.wg.Add(1)
	go c.acceptLoop()
	c.wg.Add(1)
	go c.housekeepingLoop()
	return nil
}

// Stop shuts the controller down, taking a final checkpoint.
func (c *Controller) Stop() {
	close(c.stopCh)
	if c.listener != nil {
		c.listener.Close()
	}
	c.wg.Wait()
	if c.store != nil {
		if err := c.Registry.Checkpoint(c.store); err != nil {
			c.logger.Error().Err(err).Msg("final checkpoint failed")
		}
	}
}

func (c *Controller) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveConn(conn)
		}()
	}
}

func (c *Controller) housekeepingLoop() {
	defer c.wg.Done()
	cfg := c.Registry.Config()
	checkpoint := time.NewTicker(cfg.CheckpointInterval.D())
	purge := time.NewTicker(time.Minute)
	limits := time.NewTicker(30 * time.Second)
	defer checkpoint.Stop()
	defer purge.Stop()
	defer limits.Stop()

	for {
		select {
		case <-checkpoint.C:
			if c.store == nil {
				continue
			}
			timer := metrics.NewTimer()
			if err := c.Registry.Checkpoint(c.store); err != nil {
				c.logger.Error().Err(err).Msg("checkpoint failed")
				continue
			}
			timer.ObserveDuration(metrics.StateSaveDuration)
			metrics.StateSaves.Inc()
		case <-purge.C:
			if n := c.Registry.PurgeOldJobs(cfg.MinJobAge.D()); n > 0 {
				c.logger.Debug().Int("purged", n).Msg("purged old job records")
			}
		case <-limits.C:
			c.enforceTimeLimits()
		case <-c.stopCh:
			return
		}
	}
}

// enforceTimeLimits moves running jobs past their wall limit to timeout.
func (c *Controller) enforceTimeLimits() {
	now := time.Now()
	for _, j := range c.Registry.Jobs() {
		if j.State != types.JobRunning {
			continue
		}
		limit := j.Req.TimeLimit
		if limit == 0 || limit == types.Infinite {
			continue
		}
		if now.After(j.StartTime.Add(time.Duration(limit) * time.Minute)) {
			if _, err := c.Registry.TimeoutJob(j.ID); err == nil {
				c.logger.Info().Uint32("job_id", j.ID).Msg("job hit its time limit")
				c.publish(events.EventJobTimeout, j.ID, 0, "")
				c.maybeFinish(j)
			}
		}
	}
}

func (c *Controller) publish(t events.EventType, jobID, stepID uint32, node string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{Type: t, JobID: jobID, StepID: stepID, Node: node})
}

// maybeFinish drains a completing job with no remaining steps into its
// terminal state and emits the completion accounting record.
func (c *Controller) maybeFinish(j *types.Job) {
	if err := c.Registry.FinishCompleting(j); err != nil {
		return
	}
	c.publish(events.EventJobComplete, j.ID, 0, "")
	c.logRecord(&acct.Record{
		Kind:      acct.KindJobComplete,
		JobID:     j.ID,
		Name:      j.Name,
		UserID:    j.UserID,
		GroupID:   j.GroupID,
		Partition: j.Partition,
		Account:   j.Account,
		NodeList:  hostlist.Compress(j.AllocNodes),
		NodeCnt:   uint32(len(j.AllocNodes)),
		State:     j.State.String(),
		ExitCode:  j.ExitCode,
		StartTime: j.StartTime,
		EndTime:   j.EndTime,
		Timestamp: time.Now(),
	})
}

func (c *Controller) logRecord(r *acct.Record) {
	if err := c.sink.LogRecord(r); err != nil {
		c.logger.Error().Err(err).Uint32("job_id", r.JobID).Str("kind", string(r.Kind)).
			Msg("accounting record dropped")
	}
}

// serveConn handles one request/response exchange.
func (c *Controller) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second)) //nolint:errcheck

	h, body, err := wire.ReadMsg(conn)
	if err != nil {
		if h != nil {
			c.reply(conn, &wire.RCResponse{RC: wire.CodeFor(err), Msg: err.Error()})
		}
		return
	}

	timer := metrics.NewTimer()
	auth, err := cred.VerifyAuth(c.authKey, h.Auth)
	if err != nil {
		metrics.RPCRequestsTotal.WithLabelValues(h.Type.String(), "auth-failed").Inc()
		c.reply(conn, &wire.RCResponse{RC: wire.CodeCredInvalid, Msg: err.Error()})
		return
	}

	resp := c.dispatch(h, body, auth)
	status := "ok"
	if rc, ok := resp.(*wire.RCResponse); ok && rc.RC != wire.CodeSuccess {
		status = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(h.Type.String(), status).Inc()
	timer.ObserveDurationVec(metrics.RPCRequestDuration, h.Type.String())
	c.reply(conn, resp)
}

func (c *Controller) reply(conn net.Conn, body wire.Body) {
	h := wire.NewHeader(body.Type())
	h.RetCnt = 1
	if err := wire.WriteMsg(conn, h, body); err != nil {
		c.logger.Debug().Err(err).Msg("reply write failed")
	}
}

func rcErr(err error) *wire.RCResponse {
	return &wire.RCResponse{RC: wire.CodeFor(err), Msg: err.Error()}
}

func rcOK() *wire.RCResponse {
	return &wire.RCResponse{RC: wire.CodeSuccess}
}
