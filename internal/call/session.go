package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/immxrtalbeast/teleconsult/internal/domain"
	"github.com/immxrtalbeast/teleconsult/lib/logger/sl"
	"github.com/pion/webrtc/v4"
)

var (
	ErrSessionClosed  = errors.New("call session closed")
	ErrSessionStarted = errors.New("call session already started")
)

const (
	mailboxSize    = 256
	cleanupTimeout = 5 * time.Second
)

type SessionConfig struct {
	Room      string
	RoomsPath string

	Channel Channel
	NewPeer PeerFactory
	// Devices may be nil; the session then only receives.
	Devices MediaDevices
	Alerts  Notifier

	Artifacts          ArtifactStore
	RecordingTimeslice time.Duration
	// AnswerTimeout ends an unanswered call. Zero waits forever.
	AnswerTimeout time.Duration

	OnStateChange func(State)
	OnDuration    func(seconds int, formatted string)
	OnClosed      func(CloseReason)

	Log *slog.Logger
}

// mailbox events
type (
	localCandidateEvent struct {
		gen       int
		candidate webrtc.ICECandidateInit
	}
	remoteTrackEvent struct {
		gen   int
		track RemoteTrack
	}
	connStateEvent struct {
		gen   int
		state webrtc.PeerConnectionState
	}
	answerEvent struct {
		snap domain.Snapshot
	}
	candidatesEvent struct {
		list string
		snap domain.Snapshot
	}
	roomEvent struct {
		snap domain.Snapshot
	}
	recordEvent struct {
		ctx   context.Context
		start bool
		reply chan recordResult
	}
)

type recordResult struct {
	started  bool
	artifact *Artifact
	err      error
}

// Session is one participant's side of a call. All signaling, track and
// candidate events go through a single mailbox served by one goroutine,
// which owns the peer connection and both streams.
type Session struct {
	cfg      SessionConfig
	log      *slog.Logger
	paths    domain.RoomPaths
	media    *MediaControl
	recorder *Recorder

	mailbox   chan any
	done      chan struct{}
	startOnce sync.Once

	closeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	reason  CloseReason

	stateVal   atomic.Int32
	roleVal    atomic.Value
	elapsedVal atomic.Int64

	// owned by the loop goroutine
	state         State
	role          domain.Role
	gen           int
	pc            PeerConnection
	local         *LocalStream
	mediaTried    bool
	remote        *RemoteStream
	unsubs        []func()
	ticker        *time.Ticker
	timerStarted  bool
	answerTimer   *time.Timer
	elapsed       int
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
	applied       map[string]struct{}
}

func NewSession(cfg SessionConfig) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("room", cfg.Room))

	return &Session{
		cfg:      cfg,
		log:      log,
		paths:    domain.RoomPaths{Root: cfg.RoomsPath, Name: cfg.Room},
		media:    NewMediaControl(),
		recorder: NewRecorder(cfg.Room, cfg.Artifacts, cfg.RecordingTimeslice, cfg.Alerts, log),
		mailbox:  make(chan any, mailboxSize),
		done:     make(chan struct{}),
		remote:   NewRemoteStream(),
		applied:  make(map[string]struct{}),
	}
}

// Start connects the session in the background. Cancelling ctx tears the
// call down like Close.
func (s *Session) Start(ctx context.Context) error {
	err := ErrSessionStarted
	s.startOnce.Do(func() {
		err = nil
		s.closeMu.Lock()
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.closeMu.Unlock()
		go s.run()
	})
	return err
}

// Hangup ends the call and removes the room. It does not wait.
func (s *Session) Hangup() {
	s.requestClose(CloseHangup)
}

// Close ends the call if it is still running and waits for cleanup.
func (s *Session) Close() {
	s.requestClose(CloseTeardown)
	<-s.done
}

// Done is closed after cleanup has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() State {
	return State(s.stateVal.Load())
}

func (s *Session) Role() domain.Role {
	r, _ := s.roleVal.Load().(domain.Role)
	return r
}

// Elapsed is the number of seconds since the first remote track.
func (s *Session) Elapsed() int {
	return int(s.elapsedVal.Load())
}

func (s *Session) ToggleAudio() bool { return s.media.ToggleAudio() }
func (s *Session) ToggleVideo() bool { return s.media.ToggleVideo() }
func (s *Session) AudioMuted() bool  { return s.media.AudioMuted() }
func (s *Session) VideoOff() bool    { return s.media.VideoOff() }
func (s *Session) Recording() bool   { return s.recorder.Active() }

// StartRecording reports false when there is nothing to record yet.
func (s *Session) StartRecording(ctx context.Context) (bool, error) {
	res, err := s.request(ctx, recordEvent{ctx: ctx, start: true})
	return res.started, err
}

// StopRecording returns nil when no recording was running.
func (s *Session) StopRecording(ctx context.Context) (*Artifact, error) {
	res, err := s.request(ctx, recordEvent{ctx: ctx})
	return res.artifact, err
}

func (s *Session) request(ctx context.Context, ev recordEvent) (recordResult, error) {
	ev.reply = make(chan recordResult, 1)
	select {
	case s.mailbox <- ev:
	case <-s.done:
		return recordResult{}, ErrSessionClosed
	case <-ctx.Done():
		return recordResult{}, ctx.Err()
	}
	select {
	case res := <-ev.reply:
		return res, res.err
	case <-s.done:
		return recordResult{}, ErrSessionClosed
	case <-ctx.Done():
		return recordResult{}, ctx.Err()
	}
}

func (s *Session) requestClose(reason CloseReason) {
	s.closeMu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	cancel := s.cancel
	s.closeMu.Unlock()

	if cancel != nil {
		cancel()
		return
	}
	// never started
	s.startOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
	})

	// Start may have been running the once body concurrently
	s.closeMu.Lock()
	cancel = s.cancel
	s.closeMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) requestedReason() CloseReason {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.reason == "" {
		return CloseTeardown
	}
	return s.reason
}

// post hands an event to the loop. Events are dropped once the session is
// shutting down.
func (s *Session) post(ev any) {
	select {
	case s.mailbox <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	if err := s.setup(); err != nil {
		if s.ctx.Err() != nil {
			s.cleanup(s.requestedReason())
			return
		}
		s.log.Error("call setup failed", sl.Err(err))
		s.alert("Could not connect the call", SeverityError)
		s.cleanup(CloseError)
		return
	}

	for s.state != StateClosed {
		select {
		case <-s.ctx.Done():
			s.cleanup(s.requestedReason())
		case ev := <-s.mailbox:
			s.handle(ev)
		case <-s.tickC():
			s.tick()
		case <-s.answerTimeoutC():
			s.log.Warn("no answer received", slog.Duration("timeout", s.cfg.AnswerTimeout))
			s.alert("No one joined the call", SeverityWarning)
			s.cleanup(CloseTimeout)
		}
	}
}

func (s *Session) setup() error {
	ctx := s.ctx

	snap, err := s.cfg.Channel.ReadOnce(ctx, s.paths.Room())
	if err != nil {
		return fmt.Errorf("read room: %w", err)
	}
	var room domain.RoomRecord
	if err := snap.Decode(&room); err != nil {
		return fmt.Errorf("decode room: %w", err)
	}

	if room.Offer == nil {
		s.setRole(domain.RoleInitiator)
		if err := s.setState(StateInitiating); err != nil {
			return err
		}
		if err := s.preparePeer(ctx); err != nil {
			return err
		}
		created, err := s.initiate(ctx)
		if err != nil {
			return err
		}
		if !created {
			// another client wrote the offer between our read and write
			s.log.Info("offer already present, joining instead")
			if room.Offer, err = s.readOffer(ctx); err != nil {
				return err
			}
			if err := s.resetPeer(ctx); err != nil {
				return err
			}
		}
	}

	if s.role != domain.RoleInitiator {
		s.setRole(domain.RoleJoiner)
		if err := s.setState(StateJoining); err != nil {
			return err
		}
		if s.pc == nil {
			if err := s.preparePeer(ctx); err != nil {
				return err
			}
		}
		if err := s.join(ctx, *room.Offer); err != nil {
			return err
		}
	}

	if err := s.setState(StateNegotiating); err != nil {
		return err
	}

	for _, list := range []string{s.role.CandidateList(), s.role.RemoteCandidateList()} {
		if err := s.subscribe(ctx, s.paths.Child(list), func(snap domain.Snapshot) {
			s.post(candidatesEvent{list: list, snap: snap})
		}); err != nil {
			return err
		}
	}

	if err := s.cfg.Channel.RegisterAutoCleanup(ctx, s.paths.Room()); err != nil {
		return fmt.Errorf("register auto cleanup: %w", err)
	}

	if err := s.subscribe(ctx, s.paths.Room(), func(snap domain.Snapshot) {
		s.post(roomEvent{snap: snap})
	}); err != nil {
		return err
	}

	if s.role == domain.RoleInitiator && s.cfg.AnswerTimeout > 0 && !s.remoteDescSet {
		s.answerTimer = time.NewTimer(s.cfg.AnswerTimeout)
	}

	s.log.Info("call negotiating", slog.String("role", string(s.role)))
	return nil
}

// preparePeer creates the connection, captures local media once and
// attaches it, and routes the connection's callbacks into the mailbox.
func (s *Session) preparePeer(ctx context.Context) error {
	pc, err := s.cfg.NewPeer()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc

	if !s.mediaTried && s.cfg.Devices != nil {
		s.mediaTried = true
		stream, err := s.cfg.Devices.GetUserMedia(ctx)
		if err != nil {
			s.log.Warn("media devices unavailable", sl.Err(err))
			s.alert("Could not access camera or microphone", SeverityWarning)
		}
		s.local = stream
	}

	var senders []Sender
	for _, t := range s.local.Tracks() {
		sender, err := pc.AddTrack(t)
		if err != nil {
			s.log.Warn("add local track", slog.String("track", t.ID()), sl.Err(err))
			continue
		}
		senders = append(senders, sender)
	}
	s.media.Attach(s.local, senders)

	gen := s.gen
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.post(localCandidateEvent{gen: gen, candidate: c})
	})
	pc.OnTrack(func(t RemoteTrack) {
		s.post(remoteTrackEvent{gen: gen, track: t})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(connStateEvent{gen: gen, state: state})
	})
	return nil
}

// resetPeer replaces the connection after losing the offer race. Events
// from the old connection are ignored by generation.
func (s *Session) resetPeer(ctx context.Context) error {
	if err := s.pc.Close(); err != nil {
		s.log.Debug("close superseded peer connection", sl.Err(err))
	}
	s.pc = nil
	s.gen++
	s.role = ""
	return s.preparePeer(ctx)
}

func (s *Session) initiate(ctx context.Context) (bool, error) {
	offer, err := s.pc.CreateOffer()
	if err != nil {
		return false, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return false, fmt.Errorf("set local offer: %w", err)
	}

	rec := domain.NewSessionRecord(offer)
	rec.CreatedAt = &domain.ServerTime{}
	created, err := s.cfg.Channel.CreateIfAbsent(ctx, s.paths.Child(domain.RoomOffer), rec)
	if err != nil {
		return false, fmt.Errorf("write offer: %w", err)
	}
	if !created {
		return false, nil
	}

	return true, s.subscribe(ctx, s.paths.Child(domain.RoomAnswer), func(snap domain.Snapshot) {
		s.post(answerEvent{snap: snap})
	})
}

func (s *Session) readOffer(ctx context.Context) (*domain.SessionRecord, error) {
	snap, err := s.cfg.Channel.ReadOnce(ctx, s.paths.Child(domain.RoomOffer))
	if err != nil {
		return nil, fmt.Errorf("read offer: %w", err)
	}
	var rec domain.SessionRecord
	if err := snap.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if !snap.Exists {
		return nil, errors.New("offer vanished")
	}
	return &rec, nil
}

func (s *Session) join(ctx context.Context, offer domain.SessionRecord) error {
	if err := s.pc.SetRemoteDescription(offer.Description()); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	s.remoteDescSet = true

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := s.cfg.Channel.Write(ctx, s.paths.Child(domain.RoomAnswer), domain.NewSessionRecord(answer)); err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	return nil
}

func (s *Session) subscribe(ctx context.Context, path string, fn func(domain.Snapshot)) error {
	unsub, err := s.cfg.Channel.Subscribe(ctx, path, fn)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", path, err)
	}
	s.unsubs = append(s.unsubs, unsub)
	return nil
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case localCandidateEvent:
		if ev.gen != s.gen {
			return
		}
		if _, err := s.cfg.Channel.Append(s.ctx, s.paths.Child(s.role.CandidateList()), ev.candidate); err != nil {
			s.fail("send candidate", err)
		}

	case remoteTrackEvent:
		if ev.gen != s.gen {
			return
		}
		s.remote.Add(ev.track)
		s.log.Info("remote track", slog.String("kind", string(ev.track.Kind())))
		if s.state == StateNegotiating {
			if err := s.setState(StateConnected); err != nil {
				s.log.Warn("connect", sl.Err(err))
			}
		}
		s.startTimer()

	case connStateEvent:
		if ev.gen != s.gen {
			return
		}
		s.log.Debug("peer connection state", slog.String("state", ev.state.String()))
		if ev.state == webrtc.PeerConnectionStateFailed {
			s.alert("Connection to the other participant failed", SeverityWarning)
		}

	case answerEvent:
		s.applyAnswer(ev.snap)

	case candidatesEvent:
		s.applyCandidates(ev.list, ev.snap)

	case roomEvent:
		if !ev.snap.Exists {
			s.log.Info("room removed by the other participant")
			s.alert("The other participant disconnected", SeverityWarning)
			s.cleanup(CloseRemoteLeft)
		}

	case recordEvent:
		var res recordResult
		if ev.start {
			res.started, res.err = s.recorder.Start(s.local, s.remote)
		} else {
			res.artifact, res.err = s.recorder.Stop(ev.ctx)
		}
		ev.reply <- res
	}
}

func (s *Session) applyAnswer(snap domain.Snapshot) {
	if !snap.Exists || s.remoteDescSet || s.pc == nil {
		return
	}
	var rec domain.SessionRecord
	if err := snap.Decode(&rec); err != nil {
		s.fail("decode answer", err)
		return
	}
	if err := s.pc.SetRemoteDescription(rec.Description()); err != nil {
		s.fail("apply answer", err)
		return
	}
	s.remoteDescSet = true
	s.stopAnswerTimer()

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.addCandidate(c)
	}
}

// applyCandidates adds every remote candidate not seen before. Candidates
// that arrive before the answer wait for it.
func (s *Session) applyCandidates(list string, snap domain.Snapshot) {
	if list != s.role.RemoteCandidateList() || !snap.Exists {
		return
	}
	var candidates map[string]webrtc.ICECandidateInit
	if err := snap.Decode(&candidates); err != nil {
		s.log.Warn("decode candidates", slog.String("list", list), sl.Err(err))
		return
	}

	// push keys sort in append order
	keys := make([]string, 0, len(candidates))
	for k := range candidates {
		if _, ok := s.applied[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		s.applied[k] = struct{}{}
		if !s.remoteDescSet {
			s.pending = append(s.pending, candidates[k])
			continue
		}
		s.addCandidate(candidates[k])
	}
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Warn("add remote candidate", sl.Err(err))
	}
}

func (s *Session) startTimer() {
	if s.timerStarted {
		return
	}
	s.timerStarted = true
	s.ticker = time.NewTicker(time.Second)
}

func (s *Session) tick() {
	s.elapsed++
	s.elapsedVal.Store(int64(s.elapsed))
	if s.cfg.OnDuration != nil {
		s.cfg.OnDuration(s.elapsed, FormatDuration(s.elapsed))
	}
}

func (s *Session) tickC() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.C
}

func (s *Session) answerTimeoutC() <-chan time.Time {
	if s.answerTimer == nil {
		return nil
	}
	return s.answerTimer.C
}

func (s *Session) stopAnswerTimer() {
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
}

func (s *Session) fail(op string, err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.log.Error("call failed", slog.String("op", op), sl.Err(err))
	s.alert("The call was interrupted by a connection error", SeverityError)
	s.cleanup(CloseError)
}

// cleanup releases everything the session owns. Only the first call has
// an effect.
func (s *Session) cleanup(reason CloseReason) {
	if s.state == StateClosed {
		return
	}
	s.cancel()
	if err := s.setState(StateClosed); err != nil {
		s.log.Warn("close", sl.Err(err))
	}

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := s.recorder.Stop(ctx); err != nil {
		s.log.Error("stop recording", sl.Err(err))
	}

	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.stopAnswerTimer()

	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.Warn("close peer connection", sl.Err(err))
		}
		s.pc = nil
	}
	s.media.Detach()
	s.local.Stop()
	s.local = nil
	s.remote.Close()
	s.pending = nil

	if s.role != "" {
		if err := s.cfg.Channel.CancelAutoCleanup(ctx, s.paths.Room()); err != nil {
			s.log.Debug("cancel auto cleanup", sl.Err(err))
		}
		if reason != CloseRemoteLeft {
			if err := s.cfg.Channel.Remove(ctx, s.paths.Room()); err != nil {
				s.log.Warn("remove room", sl.Err(err))
			}
		}
	}

	s.log.Info("call ended", slog.String("reason", string(reason)), slog.Int("duration", s.elapsed))
	if s.cfg.OnClosed != nil {
		s.cfg.OnClosed(reason)
	}
}

func (s *Session) setState(to State) error {
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	s.stateVal.Store(int32(to))
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(to)
	}
	return nil
}

func (s *Session) setRole(r domain.Role) {
	s.role = r
	s.roleVal.Store(r)
}

func (s *Session) alert(msg string, sev Severity) {
	if s.cfg.Alerts != nil {
		s.cfg.Alerts.Push(msg, sev)
	}
}
