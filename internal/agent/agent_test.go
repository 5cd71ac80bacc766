package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcrbox/qcrbox/internal/agent"
	"github.com/qcrbox/qcrbox/internal/bus"
	"github.com/qcrbox/qcrbox/internal/execution"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/protocol"
	"github.com/qcrbox/qcrbox/internal/statusstore"
	"github.com/qcrbox/qcrbox/internal/testutil"
)

func testApp() *model.ApplicationSpec {
	return &model.ApplicationSpec{
		Name:    "Echo",
		Slug:    "echo",
		Version: "1.0",
		Commands: model.CommandList{
			&model.CLICommandSpec{
				CommandCommon: model.CommandCommon{
					Name:       "say",
					Parameters: []model.ParameterSpec{{Name: "text", DType: model.DTypeStr, Required: true}},
				},
				CallPattern: "echo {text}",
			},
			&model.CLICommandSpec{
				CommandCommon: model.CommandCommon{Name: "nap", Parameters: []model.ParameterSpec{}},
				CallPattern:   "sleep 30",
			},
		},
	}
}

// fakeRegistry answers register_application with the given response.
func fakeRegistry(t *testing.T, b bus.Bus, resp protocol.Response) {
	t.Helper()
	sub, err := b.Subscribe(protocol.RegistrySubject, func(m *bus.Msg) {
		_ = m.Respond(resp.Bytes())
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

type harness struct {
	bus      *bus.Memory
	statuses *statusstore.Store
	agent    *agent.Agent
}

func startAgent(t *testing.T, maxConcurrent int) *harness {
	t.Helper()
	return startAgentWith(t, func(cfg *agent.Config) { cfg.MaxConcurrent = maxConcurrent })
}

func startAgentWith(t *testing.T, configure func(*agent.Config)) *harness {
	t.Helper()
	ctx := context.Background()
	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })

	fakeRegistry(t, b, protocol.Success(protocol.ActionRegisterApplication, "registered",
		protocol.RegisterApplicationResult{ApplicationID: 7}))

	statuses, err := statusstore.Open(ctx, b, testutil.TestLogger())
	require.NoError(t, err)

	cfg := agent.Config{
		Application:          testApp(),
		Exec:                 execution.Deps{WorkDir: t.TempDir()},
		RPCTimeout:           2 * time.Second,
		StatusReportInterval: 50 * time.Millisecond,
		Logger:               testutil.TestLogger(),
	}
	configure(&cfg)
	a, err := agent.New(b, statuses, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return &harness{bus: b, statuses: statuses, agent: a}
}

// ask broadcasts an availability query and returns the agent's answer.
func (h *harness) ask(t *testing.T, calcID, slug, command string) (*protocol.CommandInvocationClientResponse, bool) {
	t.Helper()
	ctx := context.Background()
	replies := make(chan *bus.Msg, 1)
	sub, err := h.bus.Subscribe(protocol.InvocationResponseSubject(calcID), func(m *bus.Msg) { replies <- m })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	data, err := protocol.Encode(&protocol.CommandInvocationRequest{
		CalculationID:      calcID,
		ApplicationSlug:    slug,
		ApplicationVersion: "1.0",
		CommandName:        command,
		Arguments:          map[string]any{},
	})
	require.NoError(t, err)
	require.NoError(t, h.bus.PublishRequest(ctx, protocol.InvocationBroadcastSubject(slug, "1.0"),
		protocol.InvocationResponseSubject(calcID), data))

	select {
	case m := <-replies:
		p, err := protocol.Decode(m.Data)
		require.NoError(t, err)
		resp, ok := p.(*protocol.CommandInvocationClientResponse)
		require.True(t, ok, "unexpected payload %T", p)
		return resp, true
	case <-time.After(300 * time.Millisecond):
		return nil, false
	}
}

func (h *harness) send(t *testing.T, p protocol.Payload) protocol.Response {
	t.Helper()
	verb, ok := protocol.InboxVerb(p.Action())
	require.True(t, ok)
	data, err := protocol.Encode(p)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := h.bus.Request(ctx, protocol.InboxSubject(h.agent.InboxPrefix(), verb), data)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(raw)
	require.NoError(t, err)
	return resp
}

func (h *harness) execute(t *testing.T, calcID, command string, args map[string]any) protocol.Response {
	t.Helper()
	return h.send(t, &protocol.CommandExecutionRequest{
		CalculationID:      calcID,
		ApplicationSlug:    "echo",
		ApplicationVersion: "1.0",
		CommandName:        command,
		Arguments:          args,
	})
}

func (h *harness) waitStatus(t *testing.T, calcID string, want model.CalculationStatus) model.CalculationStatusDetails {
	t.Helper()
	var last model.CalculationStatusDetails
	require.Eventually(t, func() bool {
		d, err := h.statuses.Get(context.Background(), calcID)
		if err != nil {
			return false
		}
		last = d
		return d.Status == want
	}, 10*time.Second, 20*time.Millisecond, "calculation %s never reached %s (last %s)", calcID, want, last.Status)
	return last
}

func TestAgent_RegistersOnStart(t *testing.T) {
	h := startAgent(t, 1)
	assert.Equal(t, int64(7), h.agent.ApplicationID())
	assert.Equal(t, model.ClientIdle, h.agent.Status())
	assert.NotEmpty(t, h.agent.ClientID())
}

func TestAgent_RegistrationFailureIsFatal(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected", func(t *testing.T) {
		b := bus.NewMemory()
		defer func() { _ = b.Close() }()
		fakeRegistry(t, b, protocol.Failure(string(protocol.ActionRegisterApplication), "bad spec"))

		a, err := agent.New(b, nil, agent.Config{Application: testApp(), Logger: testutil.TestLogger()})
		require.NoError(t, err)
		err = a.Start(ctx)
		require.ErrorIs(t, err, agent.ErrRegistrationFailed)
		assert.ErrorIs(t, err, protocol.ErrRemote)
	})

	t.Run("no registry", func(t *testing.T) {
		b := bus.NewMemory()
		defer func() { _ = b.Close() }()

		a, err := agent.New(b, nil, agent.Config{Application: testApp(), Logger: testutil.TestLogger()})
		require.NoError(t, err)
		err = a.Start(ctx)
		require.ErrorIs(t, err, agent.ErrRegistrationFailed)
		assert.ErrorIs(t, err, bus.ErrNoResponders)
	})

	t.Run("retry after registry appears", func(t *testing.T) {
		b := bus.NewMemory()
		defer func() { _ = b.Close() }()

		a, err := agent.New(b, nil, agent.Config{Application: testApp(), Logger: testutil.TestLogger()})
		require.NoError(t, err)
		require.ErrorIs(t, a.Start(ctx), agent.ErrRegistrationFailed)

		fakeRegistry(t, b, protocol.Success(protocol.ActionRegisterApplication, "", protocol.RegisterApplicationResult{ApplicationID: 3}))
		require.NoError(t, a.Start(ctx))
		defer func() { _ = a.Stop(ctx) }()
		assert.Equal(t, int64(3), a.ApplicationID())
	})
}

func TestAgent_AvailabilityQuery(t *testing.T) {
	h := startAgent(t, 1)

	resp, ok := h.ask(t, "qcrbox_calc_0xa1", "echo", "say")
	require.True(t, ok)
	assert.True(t, resp.ClientIsAvailable)
	assert.Equal(t, h.agent.ClientID(), resp.ClientID)
	assert.Equal(t, h.agent.InboxPrefix(), resp.PrivateInboxPrefix)

	_, ok = h.ask(t, "qcrbox_calc_0xa2", "echo", "no_such_command")
	assert.False(t, ok, "unknown commands get no answer")

	_, ok = h.ask(t, "qcrbox_calc_0xa3", "other", "say")
	assert.False(t, ok, "other applications get no answer")
}

func TestAgent_ExecuteReportsCompletion(t *testing.T) {
	h := startAgent(t, 1)

	resp := h.execute(t, "qcrbox_calc_0xb1", "say", map[string]any{"text": "hello"})
	require.True(t, resp.OK(), resp.Msg)
	var result protocol.ExecuteCommandResult
	require.NoError(t, resp.DecodePayload(&result))
	assert.True(t, result.Accepted)

	d := h.waitStatus(t, "qcrbox_calc_0xb1", model.StatusCompleted)
	assert.Equal(t, "hello\n", d.Stdout)
	assert.EqualValues(t, 0, d.ExtraInfo["returncode"])

	require.Eventually(t, func() bool { return h.agent.Status() == model.ClientIdle }, 5*time.Second, 10*time.Millisecond)

	status := h.send(t, &protocol.GetCalculationStatus{CalculationID: "qcrbox_calc_0xb1"})
	require.True(t, status.OK())
	var live model.CalculationStatusDetails
	require.NoError(t, status.DecodePayload(&live))
	assert.Equal(t, model.StatusCompleted, live.Status)
}

func TestAgent_BindingErrorIsReportedAsFailure(t *testing.T) {
	h := startAgent(t, 1)

	resp := h.execute(t, "qcrbox_calc_0xc1", "say", map[string]any{})
	assert.False(t, resp.OK())
	assert.Equal(t, string(protocol.ActionExecuteCommand), resp.ResponseTo)

	d := h.waitStatus(t, "qcrbox_calc_0xc1", model.StatusFailed)
	assert.Contains(t, d.Stderr, "text")
	assert.Equal(t, model.ClientIdle, h.agent.Status())
}

func TestAgent_BusyWhileRunningThenCancel(t *testing.T) {
	h := startAgent(t, 1)

	resp := h.execute(t, "qcrbox_calc_0xd1", "nap", nil)
	require.True(t, resp.OK(), resp.Msg)
	assert.Equal(t, model.ClientBusy, h.agent.Status())

	avail, ok := h.ask(t, "qcrbox_calc_0xd2", "echo", "say")
	require.True(t, ok)
	assert.False(t, avail.ClientIsAvailable)

	second := h.execute(t, "qcrbox_calc_0xd3", "say", map[string]any{"text": "x"})
	assert.False(t, second.OK(), "a busy client refuses further work")

	cancel := h.send(t, &protocol.CancelCalculation{CalculationID: "qcrbox_calc_0xd1"})
	require.True(t, cancel.OK())
	h.waitStatus(t, "qcrbox_calc_0xd1", model.StatusCancelled)

	require.Eventually(t, func() bool { return h.agent.Status() == model.ClientIdle }, 5*time.Second, 10*time.Millisecond)
	avail, ok = h.ask(t, "qcrbox_calc_0xd4", "echo", "say")
	require.True(t, ok)
	assert.True(t, avail.ClientIsAvailable)
}

func TestAgent_ConcurrencyLimit(t *testing.T) {
	h := startAgent(t, 2)

	require.True(t, h.execute(t, "qcrbox_calc_0xe1", "nap", nil).OK())
	assert.Equal(t, model.ClientIdle, h.agent.Status(), "one free slot left")
	require.True(t, h.execute(t, "qcrbox_calc_0xe2", "nap", nil).OK())
	assert.Equal(t, model.ClientBusy, h.agent.Status())

	assert.False(t, h.execute(t, "qcrbox_calc_0xe3", "nap", nil).OK())
}

func TestAgent_UnknownCalculationAndFinaliseMisuse(t *testing.T) {
	h := startAgent(t, 1)

	assert.False(t, h.send(t, &protocol.GetCalculationStatus{CalculationID: "qcrbox_calc_0xf0"}).OK())
	assert.False(t, h.send(t, &protocol.CancelCalculation{CalculationID: "qcrbox_calc_0xf0"}).OK())

	require.True(t, h.execute(t, "qcrbox_calc_0xf1", "say", map[string]any{"text": "hi"}).OK())
	fin := h.send(t, &protocol.FinaliseInteractiveSession{CalculationID: "qcrbox_calc_0xf1"})
	assert.False(t, fin.OK())
	assert.Contains(t, fin.Msg, "not an interactive session")
}

func TestAgent_HealthAndDiscard(t *testing.T) {
	h := startAgent(t, 1)

	health := h.send(t, &protocol.HealthCheck{})
	require.True(t, health.OK())
	var hc protocol.HealthCheckResult
	require.NoError(t, health.DecodePayload(&hc))
	assert.Equal(t, "healthy", hc.HealthStatus)

	assert.True(t, h.send(t, &protocol.DiscardCommandInvocation{CalculationID: "qcrbox_calc_0x01"}).OK())
}

func TestAgent_FinishedHandleIsDropped(t *testing.T) {
	h := startAgentWith(t, func(cfg *agent.Config) { cfg.FinishedRetention = 100 * time.Millisecond })

	require.True(t, h.execute(t, "qcrbox_calc_0x11", "say", map[string]any{"text": "bye"}).OK())
	h.waitStatus(t, "qcrbox_calc_0x11", model.StatusCompleted)

	require.Eventually(t, func() bool {
		return !h.send(t, &protocol.GetCalculationStatus{CalculationID: "qcrbox_calc_0x11"}).OK()
	}, 5*time.Second, 20*time.Millisecond)

	d, err := h.statuses.Get(context.Background(), "qcrbox_calc_0x11")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, d.Status, "the final report outlives the handle")
}

func TestAgent_InteractivePrepareRunsAfterAccept(t *testing.T) {
	app := &model.ApplicationSpec{
		Name:    "Viewer",
		Slug:    "echo",
		Version: "1.0",
		Commands: model.CommandList{
			&model.InteractiveCommandSpec{
				CommandCommon: model.CommandCommon{Name: "inspect", Parameters: []model.ParameterSpec{}},
				Lifecycle: model.InteractiveLifecycleSteps{
					Prepare: &model.CLICommandSpec{
						CommandCommon: model.CommandCommon{Parameters: []model.ParameterSpec{}},
						CallPattern:   "sleep 3",
					},
					Run: &model.CLICommandSpec{
						CommandCommon: model.CommandCommon{Parameters: []model.ParameterSpec{}},
						CallPattern:   "sleep 30",
					},
				},
			},
		},
	}
	h := startAgentWith(t, func(cfg *agent.Config) { cfg.Application = app })

	start := time.Now()
	resp := h.execute(t, "qcrbox_calc_0x12", "inspect", nil)
	require.True(t, resp.OK(), resp.Msg)
	assert.Less(t, time.Since(start), time.Second, "execute_command is answered before prepare finishes")
	assert.Equal(t, model.ClientBusy, h.agent.Status())

	d := h.waitStatus(t, "qcrbox_calc_0x12", model.StatusRunning)
	assert.Equal(t, "not_started", d.ExtraInfo["state"])
}
