package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fulfillment/saga-orchestrator/internal/definition"
	"github.com/fulfillment/saga-orchestrator/internal/gateway"
	"github.com/fulfillment/saga-orchestrator/internal/idempotency"
	"github.com/fulfillment/saga-orchestrator/internal/lease"
	"github.com/fulfillment/saga-orchestrator/internal/store"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
)

type fakeParticipant struct {
	mu       sync.Mutex
	outcomes []*gateway.Outcome
	calls    []*gateway.Request
}

func (p *fakeParticipant) Call(_ context.Context, req *gateway.Request) *gateway.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, req)
	if len(p.outcomes) == 0 {
		return &gateway.Outcome{Status: gateway.OutcomeSuccess, Result: json.RawMessage(`{}`)}
	}
	out := p.outcomes[0]
	if len(p.outcomes) > 1 {
		p.outcomes = p.outcomes[1:]
	}
	return out
}

func (p *fakeParticipant) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) ManualIntervention(_ context.Context, sagaID, _, step, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, sagaID+"/"+step+": "+reason)
	return nil
}

type fixture struct {
	exec    *Executor
	store   *store.MemoryStore
	idem    *idempotency.Manager
	leases  *lease.Manager
	alerter *recordingAlerter
	sleeps  []time.Duration
	calls   []string // 按调用顺序记录能力名

	participants map[string]*fakeParticipant
	mu           sync.Mutex
}

func (f *fixture) participant(capability string) *fakeParticipant {
	return f.participants[capability]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		store:        store.NewMemoryStore(),
		idem:         idempotency.NewManager(client, time.Hour),
		leases:       lease.NewManager(client, 30*time.Second),
		alerter:      &recordingAlerter{},
		participants: make(map[string]*fakeParticipant),
	}

	registry := definition.NewRegistry()
	retry := definition.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
	compRetry := definition.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	def := &definition.Definition{
		Name: "order-fulfillment",
		Steps: []definition.Step{
			{Name: "reserveInventory", Invoke: "inventory.reserve", Compensate: "inventory.release", Timeout: 50 * time.Millisecond, Retry: retry, CompensateRetry: compRetry},
			{Name: "charge", Invoke: "payment.charge", Compensate: "payment.refund", Timeout: 50 * time.Millisecond, Retry: retry, CompensateRetry: compRetry},
			{Name: "shipNotify", Invoke: "shipping.notify", Timeout: 50 * time.Millisecond, Retry: retry, CompensateRetry: compRetry},
		},
	}
	if err := registry.Register(def); err != nil {
		t.Fatalf("register definition: %v", err)
	}

	gw := gateway.NewRegistry()
	for _, capability := range []string{
		"inventory.reserve", "inventory.release",
		"payment.charge", "payment.refund",
		"shipping.notify",
	} {
		capability := capability
		p := &fakeParticipant{}
		f.participants[capability] = p
		gw.Register(capability, participantFunc(func(ctx context.Context, req *gateway.Request) *gateway.Outcome {
			f.mu.Lock()
			f.calls = append(f.calls, capability)
			f.mu.Unlock()
			return p.Call(ctx, req)
		}))
	}

	f.exec = New(f.store, registry, gw, f.idem, f.leases, f.alerter, nil, logger.New("executor-test", io.Discard))
	f.exec.sleep = func(_ context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return nil
	}
	return f
}

type participantFunc func(ctx context.Context, req *gateway.Request) *gateway.Outcome

func (fn participantFunc) Call(ctx context.Context, req *gateway.Request) *gateway.Outcome {
	return fn(ctx, req)
}

func (f *fixture) startSaga(t *testing.T, sagaID string) *store.Instance {
	t.Helper()
	payload, err := json.Marshal(store.StartedPayload{
		CorrelationID: "order-" + sagaID,
		Definition:    "order-fulfillment",
		Steps:         []string{"reserveInventory", "charge", "shipNotify"},
		Input:         json.RawMessage(`{"orderId":"order-1"}`),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	inst, err := f.store.Create(context.Background(), store.Event{
		SagaID: sagaID, Version: 1, Type: store.EventSagaStarted, Payload: payload, CreateTimeMs: 1000,
	})
	if err != nil {
		t.Fatalf("create saga: %v", err)
	}
	return inst
}

func (f *fixture) get(t *testing.T, sagaID string) *store.Instance {
	t.Helper()
	inst, err := f.store.Get(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	return inst
}

// 全部步骤成功，saga 完成
func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")

	if err := f.exec.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	inst := f.get(t, "s1")
	if inst.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", inst.Status)
	}
	for _, s := range inst.Steps {
		if s.Status != store.StepSucceeded || s.Attempts != 1 {
			t.Fatalf("unexpected step state: %+v", s)
		}
	}

	// 调用顺序正向
	want := []string{"inventory.reserve", "payment.charge", "shipping.notify"}
	if len(f.calls) != 3 {
		t.Fatalf("expected 3 calls, got %v", f.calls)
	}
	for i := range want {
		if f.calls[i] != want[i] {
			t.Fatalf("expected call %s at %d, got %s", want[i], i, f.calls[i])
		}
	}

	// 幂等记录已写入
	rec, err := f.idem.Get(context.Background(), idempotency.Key("s1", "charge", idempotency.DirectionInvoke))
	if err != nil {
		t.Fatalf("idem get: %v", err)
	}
	if rec == nil || !rec.Done {
		t.Fatalf("expected done idempotency record, got %+v", rec)
	}

	// 租约已释放
	held, err := f.leases.Held(context.Background(), "s1")
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if held {
		t.Fatal("expected lease released after run")
	}

	// 事件日志可重放出相同快照
	events, err := f.store.Events(context.Background(), "s1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	replayed, err := store.Replay(events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != inst.Status || replayed.Version != inst.Version {
		t.Fatalf("replay mismatch: %+v vs %+v", replayed, inst)
	}
}

// 永久失败补偿之前成功的步骤；被明确拒绝的步骤本身无副作用，不回滚
func TestRunPermanentFailureCompensatesPriorSteps(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")

	f.participant("payment.charge").outcomes = []*gateway.Outcome{
		{Status: gateway.OutcomePermanent, Reason: "card declined"},
	}

	if err := f.exec.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	inst := f.get(t, "s1")
	if inst.Status != store.StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", inst.Status)
	}
	if inst.FailureReason != "card declined" {
		t.Fatalf("unexpected failure reason: %s", inst.FailureReason)
	}

	// 被拒绝的 charge 不退款，只回滚之前成功的 reserveInventory
	want := []string{"inventory.reserve", "payment.charge", "inventory.release"}
	if len(f.calls) != len(want) {
		t.Fatalf("unexpected calls: %v", f.calls)
	}
	for i := range want {
		if f.calls[i] != want[i] {
			t.Fatalf("expected call %s at %d, got %v", want[i], i, f.calls)
		}
	}
	if f.participant("payment.refund").callCount() != 0 {
		t.Fatal("refund must not be invoked for a definitively rejected charge")
	}

	// 未触达的步骤不补偿
	if f.participant("shipping.notify").callCount() != 0 {
		t.Fatal("shipNotify must not be invoked")
	}
	if inst.Steps[2].Status != store.StepPending {
		t.Fatalf("expected shipNotify PENDING, got %s", inst.Steps[2].Status)
	}
	if inst.Steps[0].Status != store.StepCompensated {
		t.Fatalf("expected reserveInventory COMPENSATED, got %s", inst.Steps[0].Status)
	}
	if inst.Steps[1].Status != store.StepFailed || !inst.Steps[1].Permanent {
		t.Fatalf("expected charge FAILED permanent, got %+v", inst.Steps[1])
	}
}

// 永久拒绝前出现过结果未知的尝试时，该步骤仍要保守补偿
func TestRunPermanentAfterAmbiguousCompensatesConservatively(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")

	f.participant("payment.charge").outcomes = []*gateway.Outcome{
		{Status: gateway.OutcomeAmbiguous, Reason: "request timed out"},
		{Status: gateway.OutcomePermanent, Reason: "card declined"},
	}

	if err := f.exec.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	inst := f.get(t, "s1")
	if inst.Status != store.StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", inst.Status)
	}
	// 首次尝试可能已扣款，必须退款
	if f.participant("payment.refund").callCount() != 1 {
		t.Fatalf("expected 1 refund call, got %d", f.participant("payment.refund").callCount())
	}
	if f.participant("inventory.release").callCount() != 1 {
		t.Fatalf("expected 1 release call, got %d", f.participant("inventory.release").callCount())
	}
	if !inst.Steps[1].Ambiguous || !inst.Steps[1].Permanent {
		t.Fatalf("expected charge marked permanent and ambiguous, got %+v", inst.Steps[1])
	}
}

// 瞬时失败重试后成功
func TestRunTransientRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")

	f.participant("payment.charge").outcomes = []*gateway.Outcome{
		{Status: gateway.OutcomeTransient, Reason: "timeout"},
		{Status: gateway.OutcomeTransient, Reason: "503"},
		{Status: gateway.OutcomeSuccess, Result: json.RawMessage(`{"chargeId":"c1"}`)},
	}

	if err := f.exec.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	inst := f.get(t, "s1")
	if inst.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", inst.Status)
	}
	if inst.Steps[1].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", inst.Steps[1].Attempts)
	}
	if string(inst.Steps[1].Result) != `{"chargeId":"c1"}` {
		t.Fatalf("unexpected result: %s", inst.Steps[1].Result)
	}

	// 两次退避等待
	if len(f.sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(f.sleeps))
	}
	for _, d := range f.sleeps {
		if d <= 0 {
			t.Fatalf("expected positive backoff, got %s", d)
		}
	}
}

// 重试预算耗尽后按失败处理并补偿（含模糊超时步骤的保守补偿）
func TestRunAmbiguousExhaustionCompensatesConservatively(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")

	f.participant("payment.charge").outcomes = []*gateway.Outcome{
		{Status: gateway.OutcomeAmbiguous, Reason: "request timed out"},
	}

	if err := f.exec.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	inst := f.get(t, "s1")
	if inst.Status != store.StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", inst.Status)
	}
	if inst.Steps[1].Attempts != 3 {
		t.Fatalf("expected retries exhausted at 3, got %d", inst.Steps[1].Attempts)
	}

	// 结果未知的 charge 必须保守补偿
	if f.participant("payment.refund").callCount() != 1 {
		t.Fatalf("expected 1 refund call, got %d", f.participant("payment.refund").callCount())
	}
	if f.participant("inventory.release").callCount() != 1 {
		t.Fatalf("expected 1 release call, got %d", f.participant("inventory.release").callCount())
	}
}

// 补偿失败升级到人工介入并告警
func TestRunCompensationFailureEscalates(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")

	f.participant("payment.charge").outcomes = []*gateway.Outcome{
		{Status: gateway.OutcomePermanent, Reason: "card declined"},
	}
	f.participant("inventory.release").outcomes = []*gateway.Outcome{
		{Status: gateway.OutcomePermanent, Reason: "release rejected"},
	}

	if err := f.exec.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	inst := f.get(t, "s1")
	if inst.Status != store.StatusManual {
		t.Fatalf("expected REQUIRES_MANUAL_INTERVENTION, got %s", inst.Status)
	}
	if inst.Steps[0].Status != store.StepCompensationFailed {
		t.Fatalf("expected COMPENSATION_FAILED, got %s", inst.Steps[0].Status)
	}

	if len(f.alerter.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %v", f.alerter.alerts)
	}
}

// 取消请求注入后走补偿收尾
func TestRunCancelRequested(t *testing.T) {
	f := newFixture(t)
	inst := f.startSaga(t, "s1")

	_, err := f.store.Append(context.Background(), inst.Version, store.Event{
		SagaID: "s1", Version: inst.Version + 1, Type: store.EventCancelRequested, CreateTimeMs: 1001,
	})
	if err != nil {
		t.Fatalf("append cancel: %v", err)
	}

	if err := f.exec.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := f.get(t, "s1")
	if got.Status != store.StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", got.Status)
	}
	// 尚未执行任何步骤，不应触达参与方
	if len(f.calls) != 0 {
		t.Fatalf("expected no participant calls, got %v", f.calls)
	}
}

// 崩溃恢复：从半途状态续跑
func TestRunResumesFromPartialState(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")
	ctx := context.Background()

	// 模拟上次运行：reserveInventory 成功，charge 已启动后崩溃
	seq := []store.Event{
		{SagaID: "s1", Version: 2, Type: store.EventStepStarted, Step: "reserveInventory", CreateTimeMs: 1002},
		{SagaID: "s1", Version: 3, Type: store.EventStepSucceeded, Step: "reserveInventory", Payload: json.RawMessage(`{"reservationId":"r1"}`), CreateTimeMs: 1003},
		{SagaID: "s1", Version: 4, Type: store.EventStepStarted, Step: "charge", CreateTimeMs: 1004},
	}
	for _, ev := range seq {
		if _, err := f.store.Append(ctx, ev.Version-1, ev); err != nil {
			t.Fatalf("append v%d: %v", ev.Version, err)
		}
	}

	if err := f.exec.Run(ctx, "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	inst := f.get(t, "s1")
	if inst.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", inst.Status)
	}
	// reserveInventory 不会重复调用
	if f.participant("inventory.reserve").callCount() != 0 {
		t.Fatal("reserveInventory must not be re-invoked")
	}
	// charge 上次未出结果，恢复后重新尝试
	if f.participant("payment.charge").callCount() != 1 {
		t.Fatalf("expected 1 charge call, got %d", f.participant("payment.charge").callCount())
	}
	// 上游结果传递给后续步骤
	last := f.participant("shipping.notify")
	last.mu.Lock()
	req := last.calls[0]
	last.mu.Unlock()
	if string(req.StepResults["reserveInventory"]) != `{"reservationId":"r1"}` {
		t.Fatalf("expected upstream result, got %+v", req.StepResults)
	}
}

// 崩溃恢复：幂等记录已完成时跳过参与方调用
func TestRunSkipsCompletedIdempotentStep(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")
	ctx := context.Background()

	key := idempotency.Key("s1", "reserveInventory", idempotency.DirectionInvoke)
	if _, err := f.idem.Reserve(ctx, key); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := f.idem.Complete(ctx, key, json.RawMessage(`{"reservationId":"r9"}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := f.exec.Run(ctx, "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	inst := f.get(t, "s1")
	if inst.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", inst.Status)
	}
	if f.participant("inventory.reserve").callCount() != 0 {
		t.Fatal("participant must not be invoked when idempotency record is done")
	}
	if string(inst.Steps[0].Result) != `{"reservationId":"r9"}` {
		t.Fatalf("expected stored result reused, got %s", inst.Steps[0].Result)
	}
}

// 崩溃恢复：最后一次尝试的 STEP_STARTED 已落盘且参与方实际成功时，
// 续跑必须复用幂等结果完成，而不是判定预算耗尽
func TestRunResumeExhaustedAttemptsUsesIdempotentResult(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")
	ctx := context.Background()

	// 模拟上次运行：charge 三次尝试全部写入事件后崩溃
	seq := []store.Event{
		{SagaID: "s1", Version: 2, Type: store.EventStepStarted, Step: "reserveInventory", CreateTimeMs: 1002},
		{SagaID: "s1", Version: 3, Type: store.EventStepSucceeded, Step: "reserveInventory", Payload: json.RawMessage(`{"reservationId":"r1"}`), CreateTimeMs: 1003},
		{SagaID: "s1", Version: 4, Type: store.EventStepStarted, Step: "charge", CreateTimeMs: 1004},
		{SagaID: "s1", Version: 5, Type: store.EventStepStarted, Step: "charge", CreateTimeMs: 1005},
		{SagaID: "s1", Version: 6, Type: store.EventStepStarted, Step: "charge", CreateTimeMs: 1006},
	}
	for _, ev := range seq {
		if _, err := f.store.Append(ctx, ev.Version-1, ev); err != nil {
			t.Fatalf("append v%d: %v", ev.Version, err)
		}
	}

	// 最后一次调用在崩溃前实际成功并写入了幂等记录
	key := idempotency.Key("s1", "charge", idempotency.DirectionInvoke)
	if _, err := f.idem.Reserve(ctx, key); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := f.idem.Complete(ctx, key, json.RawMessage(`{"chargeId":"c7"}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := f.exec.Run(ctx, "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	inst := f.get(t, "s1")
	if inst.Status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", inst.Status)
	}
	if f.participant("payment.charge").callCount() != 0 {
		t.Fatal("charge must not be re-invoked")
	}
	if string(inst.Steps[1].Result) != `{"chargeId":"c7"}` {
		t.Fatalf("expected recorded result reused, got %s", inst.Steps[1].Result)
	}
	if inst.Steps[1].Attempts != 3 {
		t.Fatalf("expected attempts unchanged at 3, got %d", inst.Steps[1].Attempts)
	}
	if f.participant("shipping.notify").callCount() != 1 {
		t.Fatalf("expected shipNotify invoked once, got %d", f.participant("shipping.notify").callCount())
	}
}

// 人工重试重新驱动失败的补偿：清除预留并重新调用参与方
func TestRunManualRetryRedrivesFailedCompensation(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")
	ctx := context.Background()

	f.participant("payment.charge").outcomes = []*gateway.Outcome{
		{Status: gateway.OutcomePermanent, Reason: "card declined"},
	}
	f.participant("inventory.release").outcomes = []*gateway.Outcome{
		{Status: gateway.OutcomePermanent, Reason: "release rejected"},
		{Status: gateway.OutcomeSuccess, Result: json.RawMessage(`{}`)},
	}

	if err := f.exec.Run(ctx, "s1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	inst := f.get(t, "s1")
	if inst.Status != store.StatusManual {
		t.Fatalf("expected REQUIRES_MANUAL_INTERVENTION, got %s", inst.Status)
	}

	// 运维修复参与方后请求重试
	_, err := f.store.Append(ctx, inst.Version, store.Event{
		SagaID: "s1", Version: inst.Version + 1, Type: store.EventRetryRequested, CreateTimeMs: 2000,
	})
	if err != nil {
		t.Fatalf("append retry: %v", err)
	}

	if err := f.exec.Run(ctx, "s1"); err != nil {
		t.Fatalf("second run: %v", err)
	}

	got := f.get(t, "s1")
	if got.Status != store.StatusCompensated {
		t.Fatalf("expected COMPENSATED after redrive, got %s", got.Status)
	}
	if got.Steps[0].Status != store.StepCompensated {
		t.Fatalf("expected reserveInventory COMPENSATED, got %s", got.Steps[0].Status)
	}
	// 预留被清除后参与方被再次调用
	if f.participant("inventory.release").callCount() != 2 {
		t.Fatalf("expected 2 release calls, got %d", f.participant("inventory.release").callCount())
	}
}

// 租约被他人持有时拒绝执行
func TestRunLeaseHeld(t *testing.T) {
	f := newFixture(t)
	f.startSaga(t, "s1")
	ctx := context.Background()

	l, err := f.leases.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release(ctx)

	if err := f.exec.Run(ctx, "s1"); !errors.Is(err, lease.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("expected no participant calls, got %v", f.calls)
	}
}

// 已处于人工介入状态时不做任何事
func TestRunManualStateIsNoop(t *testing.T) {
	f := newFixture(t)
	inst := f.startSaga(t, "s1")
	ctx := context.Background()

	_, err := f.store.Append(ctx, inst.Version, store.Event{
		SagaID: "s1", Version: inst.Version + 1, Type: store.EventManualRequired, Reason: "sweeper escalated", CreateTimeMs: 1001,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := f.exec.Run(ctx, "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("expected no participant calls, got %v", f.calls)
	}
}
