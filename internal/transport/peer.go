// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"video-transformer/internal/ffmpeg"
	"video-transformer/internal/frame"
	"video-transformer/internal/session"
)

var ErrNoVideo = errors.New("transport: offer has no video")

// Handler receives what a peer learns from the network.
type Handler struct {
	// OnEvent reports connectivity changes as session events.
	OnEvent func(ev session.Event)
	// OnVideo is called once per inbound video track when media starts. With
	// no OnVideo, inbound video is read and discarded.
	OnVideo func(path *VideoPath)
	// OnDrop is called for every decoded frame replaced before it was used.
	OnDrop func()
}

// Peer is one negotiated PeerConnection. It implements io.Closer.
type Peer struct {
	id      string
	api     *API
	pc      *webrtc.PeerConnection
	handler Handler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	locals []*webrtc.TrackLocalStaticSample
	// closed stops spawn from adding goroutines once Close waits on wg.
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func (a *API) NewPeer(id string, h Handler) (*Peer, error) {
	pc, err := a.api.NewPeerConnection(a.configuration())
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		id:      id,
		api:     a,
		pc:      pc,
		handler: h,
		logger:  a.logger.With("session_id", id),
		ctx:     ctx,
		cancel:  cancel,
	}

	pc.OnICEConnectionStateChange(p.onICEState)
	pc.OnTrack(p.onTrack)
	pc.OnDataChannel(p.onDataChannel)
	return p, nil
}

func (p *Peer) fire(ev session.Event) {
	if p.handler.OnEvent != nil {
		p.handler.OnEvent(ev)
	}
}

// Answer applies a remote offer, attaches one outbound track per offered
// media section and returns the answer once ICE gathering has completed.
func (p *Peer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		p.fire(session.EventFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("transport: set remote description: %w", err)
	}
	p.fire(session.EventRemoteDescription)

	if err := p.attachLocalTracks(); err != nil {
		p.fire(session.EventFailed)
		return webrtc.SessionDescription{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.fire(session.EventFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("transport: create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.fire(session.EventFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("transport: set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		p.fire(session.EventFailed)
		return webrtc.SessionDescription{}, fmt.Errorf("transport: ice gathering: %w", ctx.Err())
	}

	return *p.pc.LocalDescription(), nil
}

func (p *Peer) attachLocalTracks() error {
	var videos int
	for _, t := range p.pc.GetTransceivers() {
		var local webrtc.TrackLocal
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			track, err := webrtc.NewTrackLocalStaticSample(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
				fmt.Sprintf("video%d", videos), "transformer-"+p.id,
			)
			if err != nil {
				return fmt.Errorf("transport: video track: %w", err)
			}
			p.mu.Lock()
			p.locals = append(p.locals, track)
			p.mu.Unlock()
			videos++
			local = track
		case webrtc.RTPCodecTypeAudio:
			track, err := webrtc.NewTrackLocalStaticRTP(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
				"audio", "transformer-"+p.id,
			)
			if err != nil {
				return fmt.Errorf("transport: audio track: %w", err)
			}
			local = track
		default:
			continue
		}

		sender, err := p.pc.AddTrack(local)
		if err != nil {
			return fmt.Errorf("transport: add %s track: %w", t.Kind(), err)
		}
		p.wg.Add(1)
		go p.drainRTCP(sender)
	}

	if videos == 0 {
		return ErrNoVideo
	}
	return nil
}

// drainRTCP keeps the sender's interceptors running; browsers ask for
// keyframes here, which the encoder answers on its own GOP schedule.
func (p *Peer) drainRTCP(sender *webrtc.RTPSender) {
	defer p.wg.Done()
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				p.logger.Debug("remote requested keyframe")
			}
		}
	}
}

func (p *Peer) onICEState(state webrtc.ICEConnectionState) {
	p.logger.Debug("ice connection state", "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.fire(session.EventConnected)
	case webrtc.ICEConnectionStateFailed:
		p.fire(session.EventFailed)
	case webrtc.ICEConnectionStateClosed:
		p.fire(session.EventClose)
	}
}

func (p *Peer) onDataChannel(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		if reply, ok := PingReply(string(msg.Data)); ok {
			if err := dc.SendText(reply); err != nil {
				p.logger.Debug("data channel reply", "label", dc.Label(), "err", err)
			}
		}
	})
}

// PingReply answers "ping<anything>" with "pong<anything>".
func PingReply(msg string) (string, bool) {
	rest, ok := strings.CutPrefix(msg, "ping")
	if !ok {
		return "", false
	}
	return "pong" + rest, true
}

// localFor finds the outbound track negotiated on the same transceiver as
// receiver.
func (p *Peer) localFor(receiver *webrtc.RTPReceiver) webrtc.TrackLocal {
	for _, t := range p.pc.GetTransceivers() {
		if t.Receiver() == receiver && t.Sender() != nil {
			return t.Sender().Track()
		}
	}
	return nil
}

func (p *Peer) onTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if p.ctx.Err() != nil {
		return
	}
	logger := p.logger.With("track_id", remote.ID(), "codec", remote.Codec().MimeType)
	logger.Info("inbound track")

	local := p.localFor(receiver)

	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		out, ok := local.(*webrtc.TrackLocalStaticRTP)
		if !ok {
			p.spawn(func() { p.discard(remote) })
			return
		}
		p.spawn(func() { p.relay(remote, out) })
		return
	}

	out, ok := local.(*webrtc.TrackLocalStaticSample)
	if !ok || p.handler.OnVideo == nil {
		p.spawn(func() { p.discard(remote) })
		return
	}

	path, err := p.openPath(remote, out, logger)
	if err != nil {
		logger.Error("open video path", "err", err)
		p.fire(session.EventFailed)
		p.spawn(func() { p.discard(remote) })
		return
	}

	if !p.spawn(func() { p.pump(remote, path.source) }) {
		path.Close()
		return
	}
	p.spawn(func() { p.requestKeyframes(remote.SSRC()) })
	p.handler.OnVideo(path)
}

func (p *Peer) openPath(remote *webrtc.TrackRemote, out *webrtc.TrackLocalStaticSample, logger *slog.Logger) (*VideoPath, error) {
	cfg := p.api.cfg.FFmpeg

	var opts []SourceOption
	if p.handler.OnDrop != nil {
		opts = append(opts, WithDropFunc(p.handler.OnDrop))
	}
	src, err := NewRTPSource(p.ctx, cfg, remote.Codec().MimeType, logger, opts...)
	if err != nil {
		return nil, err
	}
	sink, err := NewVP8Sink(p.ctx, cfg, out, logger)
	if err != nil {
		src.Close()
		return nil, err
	}

	return NewVideoPath(remote.ID(), src, sink, func() {
		remote.SetReadDeadline(time.Now())
	}), nil
}

// OpenSink starts an encoder feeding the n-th outbound video track. It is
// for sessions whose frames come from somewhere other than the peer.
func (p *Peer) OpenSink(n int) (*VP8Sink, error) {
	p.mu.Lock()
	if n < 0 || n >= len(p.locals) {
		p.mu.Unlock()
		return nil, fmt.Errorf("transport: no outbound video track %d", n)
	}
	out := p.locals[n]
	p.mu.Unlock()

	return NewVP8Sink(p.ctx, p.api.cfg.FFmpeg, out, p.logger)
}

// spawn runs fn on a goroutine Close waits for. It reports false, without
// running fn, once the peer is closing.
func (p *Peer) spawn(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
	return true
}

func (p *Peer) pump(remote *webrtc.TrackRemote, src *RTPSource) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			src.CloseInput()
			return
		}
		if err := src.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, ffmpeg.ErrNotRunning) {
				return
			}
			p.logger.Debug("drop malformed packet", "seq", pkt.SequenceNumber, "err", err)
		}
	}
}

func (p *Peer) relay(remote *webrtc.TrackRemote, out *webrtc.TrackLocalStaticRTP) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if err := out.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return
		}
	}
}

func (p *Peer) discard(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

// requestKeyframes sends a PLI right away so decoding can start, then at a
// fixed interval so a lost keyframe does not stall the decoder for long.
func (p *Peer) requestKeyframes(ssrc webrtc.SSRC) {
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}
	if err := p.pc.WriteRTCP(pli); err != nil {
		return
	}

	interval := p.api.cfg.KeyframeInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.pc.WriteRTCP(pli); err != nil {
				return
			}
		}
	}
}

// Close tears down the peer connection and waits for its goroutines.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.cancel()
		p.closeErr = p.pc.Close()
		p.wg.Wait()
	})
	return p.closeErr
}

// VideoPath is one inbound video track wired to one outbound track. It
// implements both track.Source and track.Sink.
type VideoPath struct {
	id      string
	source  *RTPSource
	sink    *VP8Sink
	onClose func()

	closeOnce sync.Once
	closeErr  error
}

func NewVideoPath(id string, source *RTPSource, sink *VP8Sink, onClose func()) *VideoPath {
	return &VideoPath{id: id, source: source, sink: sink, onClose: onClose}
}

func (v *VideoPath) ID() string { return v.id }

func (v *VideoPath) Source() *RTPSource { return v.source }

func (v *VideoPath) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	return v.source.ReadFrame(ctx)
}

func (v *VideoPath) WriteFrame(f *frame.Frame) error {
	return v.sink.WriteFrame(f)
}

func (v *VideoPath) Close() error {
	v.closeOnce.Do(func() {
		if v.onClose != nil {
			v.onClose()
		}
		v.closeErr = errors.Join(v.source.Close(), v.sink.Close())
	})
	return v.closeErr
}
