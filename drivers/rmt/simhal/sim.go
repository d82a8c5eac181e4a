// Package simhal is a software model of an RMT block. It implements every
// halcore collaborator so the driver runs unchanged on a host, with
// interrupt handlers called from a single worker goroutine.
package simhal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"rmtdrv-go/drivers/rmt/halcore"
)

// Poison fills RX memory after a pointer reset.
const Poison halcore.Symbol = 0xdeadbeef

// DefaultCaps is an S3-like target: one group of eight channels, four per
// direction, DMA on the last channel of each direction.
func DefaultCaps() halcore.Caps {
	return halcore.Caps{
		Groups:            1,
		ChannelsPerGroup:  8,
		TXCandidates:      4,
		RXCandidates:      4,
		MemBlockSymbols:   48,
		HasLoopCount:      true,
		LoopMaxPerBatch:   1023,
		HasLoopAutoStop:   true,
		HasRXPingPong:     true,
		HasAsyncStop:      true,
		HasRXDemod:        true,
		HasSync:           true,
		HasDMA:            true,
		DMANodeMaxSymbols: 1023,
		MaxClockDiv:       256,
		MaxFilterValue:    255,
		MaxIdleValue:      32767,
		DefaultClock:      halcore.ClockAPB,
	}
}

var frequencies = map[halcore.ClockSource]uint32{
	halcore.ClockAPB:    80_000_000,
	halcore.ClockXTAL:   40_000_000,
	halcore.ClockRCFast: 17_500_000,
	halcore.ClockPLL80M: 80_000_000,
}

type chanKey struct {
	group int
	dir   halcore.Direction
	ch    int
}

// evState is the status/enable pair of one channel.
type evState struct {
	raw, ena halcore.Event
	queued   bool
	isr      func(halcore.Event)
	prio     int
}

type group struct {
	inited bool
	clk    halcore.ClockSource
	mem    []halcore.Symbol
	tx     []*txEngine
	rx     []*rxEngine

	syncOn   bool
	syncMask uint32
}

type route struct {
	key   chanKey
	flags halcore.IOFlags
}

// Sim is the simulated platform. Create it with New and Close it when done.
type Sim struct {
	caps halcore.Caps

	mu      sync.Mutex
	groups  []*group
	ev      map[chanKey]*evState
	routes  map[int][]route
	wire    map[int][]halcore.Symbol
	clkOn   map[halcore.ClockSource]int
	pmLocks map[string]*pmLock
	fail    map[string]error
	ops     []string
	bufs    map[*halcore.Symbol]bool

	strictDMA bool

	qmu    sync.Mutex
	qcond  *sync.Cond
	q      []func()
	busy   bool
	paused bool
	done   bool

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a simulator for caps and starts its worker.
func New(caps halcore.Caps) *Sim {
	s := &Sim{
		caps:    caps,
		groups:  make([]*group, caps.Groups),
		ev:      map[chanKey]*evState{},
		routes:  map[int][]route{},
		wire:    map[int][]halcore.Symbol{},
		clkOn:   map[halcore.ClockSource]int{},
		pmLocks: map[string]*pmLock{},
		fail:    map[string]error{},
		bufs:    map[*halcore.Symbol]bool{},
		stopped: make(chan struct{}),
	}
	s.qcond = sync.NewCond(&s.qmu)
	for i := range s.groups {
		g := &group{
			mem: make([]halcore.Symbol, caps.ChannelsPerGroup*caps.MemBlockSymbols),
			tx:  make([]*txEngine, caps.TXCandidates),
			rx:  make([]*rxEngine, caps.RXCandidates),
		}
		for c := range g.tx {
			g.tx[c] = &txEngine{blocks: 1}
		}
		for c := range g.rx {
			g.rx[c] = &rxEngine{blocks: 1}
		}
		s.groups[i] = g
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	return s
}

// Platform returns the collaborator set backed by s.
func (s *Sim) Platform() halcore.Platform {
	p := halcore.Platform{Regs: s, Intr: s, GPIO: s, PM: s, Clock: s}
	if s.caps.HasDMA {
		p.DMA = s
	}
	return p
}

// Close stops the worker. Queued work is dropped.
func (s *Sim) Close() {
	s.cancel()
	s.qmu.Lock()
	s.done = true
	s.qcond.Broadcast()
	s.qmu.Unlock()
	<-s.stopped
}

// ---- Worker ----

func (s *Sim) run(ctx context.Context) {
	defer close(s.stopped)
	for {
		s.qmu.Lock()
		for !s.done && (len(s.q) == 0 || s.paused) {
			s.qcond.Wait()
		}
		if s.done || ctx.Err() != nil {
			s.qmu.Unlock()
			return
		}
		job := s.q[0]
		s.q = s.q[1:]
		s.busy = true
		s.qmu.Unlock()

		job()

		s.qmu.Lock()
		s.busy = false
		s.qcond.Broadcast()
		s.qmu.Unlock()
	}
}

func (s *Sim) post(job func()) {
	s.qmu.Lock()
	s.q = append(s.q, job)
	s.qcond.Broadcast()
	s.qmu.Unlock()
}

// Pause holds the worker after its current job. Hardware progress and
// interrupt delivery stop until Resume.
func (s *Sim) Pause() {
	s.qmu.Lock()
	s.paused = true
	for s.busy {
		s.qcond.Wait()
	}
	s.qmu.Unlock()
}

func (s *Sim) Resume() {
	s.qmu.Lock()
	s.paused = false
	s.qcond.Broadcast()
	s.qmu.Unlock()
}

// Settle blocks until the worker has nothing left to do. It does not return
// while an engine loops forever.
func (s *Sim) Settle() {
	s.qmu.Lock()
	for !s.done && (s.busy || (len(s.q) > 0 && !s.paused)) {
		s.qcond.Wait()
	}
	s.qmu.Unlock()
}

// ---- Failure injection and inspection ----

// FailNext makes the next call of op fail with err. Known ops: init_group,
// clock_enable, clock_freq, intr_alloc, dma_alloc, dma_channel, gpio_route, pm_lock.
func (s *Sim) FailNext(op string, err error) {
	s.mu.Lock()
	s.fail[op] = err
	s.mu.Unlock()
}

// failure consumes an injected error. Called with s.mu held.
func (s *Sim) failure(op string) error {
	err, ok := s.fail[op]
	if !ok {
		return nil
	}
	delete(s.fail, op)
	return errors.Wrapf(err, "sim %s", op)
}

// logOp records a register-level operation. Called with s.mu held.
func (s *Sim) logOp(format string, args ...interface{}) {
	s.ops = append(s.ops, fmt.Sprintf(format, args...))
}

// Ops returns the operation log.
func (s *Sim) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *Sim) ResetOps() {
	s.mu.Lock()
	s.ops = nil
	s.mu.Unlock()
}

// Wire returns every symbol a TX channel routed to pin has put out.
func (s *Sim) Wire(pin int) []halcore.Symbol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]halcore.Symbol(nil), s.wire[pin]...)
}

// ClockUsers reports how many times src is currently switched on.
func (s *Sim) ClockUsers(src halcore.ClockSource) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clkOn[src]
}

// PMLocks lists live power-management locks and their hold counts.
func (s *Sim) PMLocks() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.pmLocks))
	for name, l := range s.pmLocks {
		out[name] = l.held
	}
	return out
}

// Routes lists the pins currently routed.
func (s *Sim) Routes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pins []int
	for p, rs := range s.routes {
		if len(rs) > 0 {
			pins = append(pins, p)
		}
	}
	sort.Ints(pins)
	return pins
}

// IntrPriority reports the priority a channel interrupt was allocated with,
// or -1 when none is allocated.
func (s *Sim) IntrPriority(group int, dir halcore.Direction, ch int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ev[chanKey{group, dir, ch}]
	if e == nil || e.isr == nil {
		return -1
	}
	return e.prio
}

// ---- Events ----

func (s *Sim) events(k chanKey) *evState {
	e := s.ev[k]
	if e == nil {
		e = &evState{}
		s.ev[k] = e
	}
	return e
}

// raise sets status bits and schedules the handler when any of them is
// enabled. Called with s.mu held.
func (s *Sim) raise(k chanKey, ev halcore.Event) {
	e := s.events(k)
	e.raw |= ev
	s.kick(k, e)
}

// kick queues one dispatch for k if it has pending enabled status.
// Called with s.mu held.
func (s *Sim) kick(k chanKey, e *evState) {
	if e.queued || e.isr == nil || e.raw&e.ena == 0 {
		return
	}
	e.queued = true
	s.post(func() { s.dispatch(k) })
}

// dispatch calls the handler with the masked status, level style: status
// still pending afterwards queues another call.
func (s *Sim) dispatch(k chanKey) {
	s.mu.Lock()
	e := s.events(k)
	e.queued = false
	st := e.raw & e.ena
	isr := e.isr
	s.mu.Unlock()
	if st == 0 || isr == nil {
		return
	}
	isr(st)
	s.mu.Lock()
	s.kick(k, e)
	s.mu.Unlock()
}

func (s *Sim) EnableEvents(group int, dir halcore.Direction, ch int, ev halcore.Event, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := chanKey{group, dir, ch}
	e := s.events(k)
	if on {
		e.ena |= ev
		s.kick(k, e)
	} else {
		e.ena &^= ev
	}
}

func (s *Sim) ClearEvents(group int, dir halcore.Direction, ch int, ev halcore.Event) {
	s.mu.Lock()
	s.events(chanKey{group, dir, ch}).raw &^= ev
	s.mu.Unlock()
}

func (s *Sim) RawEvents(group int, dir halcore.Direction, ch int) halcore.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events(chanKey{group, dir, ch}).raw
}

// ---- Interrupts ----

type intr struct {
	s *Sim
	k chanKey
}

func (s *Sim) Alloc(group int, dir halcore.Direction, ch int, priority int, isr func(halcore.Event)) (halcore.Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("intr_alloc"); err != nil {
		return nil, err
	}
	k := chanKey{group, dir, ch}
	e := s.events(k)
	if e.isr != nil {
		return nil, errors.Errorf("sim: interrupt for %s channel (%d,%d) already allocated", dir, group, ch)
	}
	e.isr = isr
	e.prio = priority
	s.logOp("intr_alloc %s %d %d prio=%d", dir, group, ch, priority)
	return &intr{s: s, k: k}, nil
}

func (i *intr) Free() error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	e := i.s.events(i.k)
	if e.isr == nil {
		return errors.New("sim: interrupt already freed")
	}
	e.isr = nil
	e.ena = 0
	i.s.logOp("intr_free %s %d %d", i.k.dir, i.k.group, i.k.ch)
	return nil
}

// ---- Group level ----

func (s *Sim) Caps() halcore.Caps { return s.caps }

func (s *Sim) InitGroup(group int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("init_group"); err != nil {
		return err
	}
	s.groups[group].inited = true
	s.logOp("init_group %d", group)
	return nil
}

func (s *Sim) DeinitGroup(group int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[group]
	g.inited = false
	g.clk = halcore.ClockNone
	g.syncOn, g.syncMask = false, 0
	s.logOp("deinit_group %d", group)
}

func (s *Sim) SelectGroupClock(group int, src halcore.ClockSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := frequencies[src]; !ok {
		return errors.Errorf("sim: unknown clock source %s", src)
	}
	s.groups[group].clk = src
	s.logOp("group_clock %d %s", group, src)
	return nil
}

// GroupClock reports the source a group is running from.
func (s *Sim) GroupClock(group int) halcore.ClockSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group].clk
}

// GroupInited reports whether the driver holds a group.
func (s *Sim) GroupInited(group int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group].inited
}

// slot maps a per-direction channel to its memory slot.
func (s *Sim) slot(dir halcore.Direction, ch int) int {
	if dir == halcore.DirRX {
		return s.caps.RXOffset() + ch
	}
	return ch
}

// region returns a channel's memory. Called with s.mu held.
func (s *Sim) region(group int, dir halcore.Direction, ch int) []halcore.Symbol {
	g := s.groups[group]
	var blocks int
	if dir == halcore.DirRX {
		blocks = g.rx[ch].blocks
	} else {
		blocks = g.tx[ch].blocks
	}
	start := s.slot(dir, ch) * s.caps.MemBlockSymbols
	end := start + blocks*s.caps.MemBlockSymbols
	if end > len(g.mem) {
		end = len(g.mem)
	}
	return g.mem[start:end:end]
}

func (s *Sim) SetMemBlocks(group int, dir halcore.Direction, ch int, blocks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[group]
	if dir == halcore.DirRX {
		g.rx[ch].blocks = blocks
	} else {
		g.tx[ch].blocks = blocks
	}
	s.logOp("mem_blocks %s %d %d %d", dir, group, ch, blocks)
}

func (s *Sim) Mem(group int, dir halcore.Direction, ch int) []halcore.Symbol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region(group, dir, ch)
}

func (s *Sim) SetClockDiv(group int, dir halcore.Direction, ch int, div uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[group]
	if dir == halcore.DirRX {
		g.rx[ch].div = div
	} else {
		g.tx[ch].div = div
	}
	s.logOp("clock_div %s %d %d %d", dir, group, ch, div)
}

func (s *Sim) ResetPointer(group int, dir halcore.Direction, ch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[group]
	if dir == halcore.DirRX {
		r := g.rx[ch]
		r.writeOff, r.sinceLimit = 0, 0
		// Stale data must not survive a rewind.
		mem := s.region(group, dir, ch)
		for i := range mem {
			mem[i] = Poison
		}
	} else {
		t := g.tx[ch]
		t.ptr, t.sinceLimit = 0, 0
	}
	s.logOp("reset_pointer %s %d %d", dir, group, ch)
}

func (s *Sim) SetCarrier(group int, dir halcore.Direction, ch int, c halcore.CarrierConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[group]
	if dir == halcore.DirRX {
		g.rx[ch].carrier = c
	} else {
		g.tx[ch].carrier = c
	}
	s.logOp("carrier %s %d %d on=%t high=%d low=%d", dir, group, ch, c.Enable, c.HighTicks, c.LowTicks)
}

// Carrier reports the carrier programmed on a channel.
func (s *Sim) Carrier(group int, dir halcore.Direction, ch int) halcore.CarrierConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[group]
	if dir == halcore.DirRX {
		return g.rx[ch].carrier
	}
	return g.tx[ch].carrier
}

// ---- Sync ----

func (s *Sim) SyncEnable(group int, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group].syncOn = on
	s.logOp("sync_enable %d %t", group, on)
}

func (s *Sim) SyncSetChannels(group int, mask uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[group]
	g.syncMask = mask
	for i, t := range g.tx {
		if mask&(1<<uint(i)) == 0 {
			t.syncArmed = false
		}
	}
	s.logOp("sync_channels %d %#x", group, mask)
}

func (s *Sim) SyncResetClockDiv(group int, mask uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logOp("sync_reset_div %d %#x", group, mask)
}

// ---- GPIO ----

func (s *Sim) Route(pin int, group int, dir halcore.Direction, ch int, flags halcore.IOFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("gpio_route"); err != nil {
		return err
	}
	s.routes[pin] = append(s.routes[pin], route{key: chanKey{group, dir, ch}, flags: flags})
	s.logOp("gpio_route %d %s %d %d", pin, dir, group, ch)
	return nil
}

func (s *Sim) Release(pin int, group int, dir halcore.Direction, ch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := chanKey{group, dir, ch}
	rs := s.routes[pin][:0]
	for _, r := range s.routes[pin] {
		if r.key != k {
			rs = append(rs, r)
		}
	}
	if len(rs) == 0 {
		delete(s.routes, pin)
	} else {
		s.routes[pin] = rs
	}
	s.logOp("gpio_release %d %s %d %d", pin, dir, group, ch)
}

// ---- Power management ----

type pmLock struct {
	s    *Sim
	name string
	kind halcore.PMLockKind
	held int
}

func (s *Sim) NewLock(kind halcore.PMLockKind, name string) (halcore.PMLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("pm_lock"); err != nil {
		return nil, err
	}
	if _, ok := s.pmLocks[name]; ok {
		return nil, errors.Errorf("sim: pm lock %q exists", name)
	}
	l := &pmLock{s: s, name: name, kind: kind}
	s.pmLocks[name] = l
	return l, nil
}

func (l *pmLock) Acquire() error {
	l.s.mu.Lock()
	l.held++
	l.s.mu.Unlock()
	return nil
}

func (l *pmLock) Release() error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.held == 0 {
		return errors.Errorf("sim: pm lock %q not held", l.name)
	}
	l.held--
	return nil
}

func (l *pmLock) Delete() error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.held != 0 {
		return errors.Errorf("sim: pm lock %q deleted while held", l.name)
	}
	delete(l.s.pmLocks, l.name)
	return nil
}

// ---- Clock tree ----

func (s *Sim) Frequency(src halcore.ClockSource) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("clock_freq"); err != nil {
		return 0, err
	}
	f, ok := frequencies[src]
	if !ok {
		return 0, errors.Errorf("sim: unknown clock source %s", src)
	}
	return f, nil
}

func (s *Sim) SetEnabled(src halcore.ClockSource, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("clock_enable"); err != nil {
		return err
	}
	if on {
		s.clkOn[src]++
	} else if s.clkOn[src] > 0 {
		s.clkOn[src]--
	}
	s.logOp("clock_enable %s %t", src, on)
	return nil
}
