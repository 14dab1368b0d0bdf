package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/adwski/meetroom/backend/model"
	"github.com/adwski/meetroom/backend/protocol"
	"github.com/adwski/meetroom/backend/service"
	"github.com/adwski/meetroom/client/api"
	"github.com/adwski/meetroom/client/peer"
	"github.com/adwski/meetroom/client/signaling"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const apiCallTimeout = 10 * time.Second

type joinOptions struct {
	user      string
	name      string
	noAudio   bool
	noVideo   bool
	relay     bool
	summarize bool
}

func newJoinCommand(opts *options) *cobra.Command {
	jo := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join <room-id>",
		Short: "Join a room as a peer with text chat",
		Long: `Join a room, negotiate a WebRTC session with every member and chat.

Lines typed are sent as chat messages. Commands:
  /peers    show negotiation state per member
  /share    send the screen track instead of the camera
  /unshare  go back to the camera track
  /quit     leave the room`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd, opts, jo, args[0])
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&jo.user, "user", "", "user id to announce when not logged in")
	fs.StringVar(&jo.name, "name", "", "display name for chat")
	fs.BoolVar(&jo.noAudio, "no-audio", false, "do not send audio")
	fs.BoolVar(&jo.noVideo, "no-video", false, "do not send video")
	fs.BoolVar(&jo.relay, "relay", false, "only use TURN relay candidates")
	fs.BoolVar(&jo.summarize, "summarize", false, "summarize the chat when leaving")
	return cmd
}

func (o *options) identity(user string) (string, error) {
	if o.token != "" {
		return userFromToken(o.token)
	}
	if user != "" {
		return user, nil
	}
	return "", ErrNoIdentity
}

func runJoin(cmd *cobra.Command, opts *options, jo *joinOptions, roomID string) error {
	ctx := cmd.Context()
	userID, err := opts.identity(jo.user)
	if err != nil {
		return err
	}
	name := jo.name
	if name == "" {
		name = userID
	}
	codec, err := opts.signalingCodec()
	if err != nil {
		return err
	}

	client := opts.api()
	var calls *callRecorder
	if opts.token != "" {
		if _, err = client.JoinRoom(ctx, roomID); err != nil {
			return fmt.Errorf("cannot join room: %w", err)
		}
		calls = &callRecorder{client: client, roomID: roomID, logger: opts.logger}
	}
	var iceServers []model.ICEServer
	if ice, errI := client.ICEServers(ctx); errI != nil {
		opts.logger.Warn().Err(errI).Msg("no ice servers, using host candidates only")
	} else {
		iceServers = ice.ICEServers
	}

	factory, err := peer.NewPionFactory(peer.PionConfig{
		Logger:     &opts.logger,
		ICEServers: iceServers,
		ForceRelay: jo.relay,
	})
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start("Connecting to signaling server...")
	sc, err := signaling.Dial(ctx, signaling.Config{
		Logger: &opts.logger,
		URL:    opts.signal,
		Token:  opts.token,
		Codec:  codec,
	})
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success("Connected")

	view := &roomView{calls: calls}
	m := peer.NewManager(peer.Config{
		Logger:      &opts.logger,
		LocalUserID: userID,
		RoomID:      roomID,
		Signaler:    sc,
		Factory:     factory.New,
		Media:       &peer.StaticMedia{StreamID: userID, NoAudio: jo.noAudio, NoVideo: jo.noVideo},
		Observer:    view,
	})
	started := time.Now()
	if err = m.Start(ctx); err != nil {
		return errors.Join(err, m.Leave())
	}
	pterm.Info.Printfln("In room %s as %s. Type to chat, or /peers /share /unshare /quit", roomID, name)

	s := &joinSession{m: m, events: sc.Incoming(), out: cmd.OutOrStdout(), userID: userID, name: name}
	errLoop := s.loop(ctx, cmd.InOrStdin())
	errLeave := m.Leave()
	pterm.Info.Println("Left the room")

	// The command context may already be cancelled by Ctrl-C.
	bg := context.WithoutCancel(ctx)
	calls.finish(bg)
	if jo.summarize {
		summarizeChat(bg, client, opts.token, roomID, name, view.transcript(), started)
	}
	return errors.Join(errLoop, errLeave)
}

type joinSession struct {
	m      *peer.Manager
	events <-chan protocol.Event
	out    io.Writer
	userID string
	name   string
}

func (s *joinSession) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() {
		runDone <- s.m.Run(runCtx, s.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runDone:
			if err == nil {
				pterm.Warning.Println("Signaling connection closed")
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.command(line)
			if err != nil {
				pterm.Error.Println(err.Error())
			}
			if quit {
				return nil
			}
		}
	}
}

func (s *joinSession) command(line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false, nil
	case "/quit", "/leave":
		return true, nil
	case "/peers":
		renderPeers(s.out, s.m.Peers())
		return false, nil
	case "/share":
		track, err := peer.NewVideoTrack("screen", s.userID)
		if err != nil {
			return false, err
		}
		if err = s.m.ShareScreen(track); err != nil {
			return false, err
		}
		pterm.Success.Println("Sharing screen")
		return false, nil
	case "/unshare":
		if err := s.m.StopScreenShare(); err != nil {
			return false, err
		}
		pterm.Success.Println("Back to camera")
		return false, nil
	}
	if strings.HasPrefix(line, "/") {
		return false, fmt.Errorf("unknown command %s", line)
	}
	return false, s.m.SendChat(line, s.name)
}

// roomView prints room activity and keeps the chat as a transcript.
type roomView struct {
	calls *callRecorder

	mu    sync.Mutex
	lines []string
}

func (v *roomView) PeerJoined(userID string) {
	pterm.Info.Printfln("%s is in the room", userID)
}

func (v *roomView) PeerConnected(userID string) {
	pterm.Success.Printfln("Connected to %s", userID)
	v.calls.start(userID)
}

func (v *roomView) PeerLeft(userID string) {
	pterm.Warning.Printfln("%s left", userID)
}

func (v *roomView) Chat(msg protocol.ChatMessage) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	pterm.Printfln("%s %s: %s", pterm.Gray(ts.Local().Format("15:04")), pterm.Bold.Sprint(msg.DisplayName), msg.Text)

	v.mu.Lock()
	v.lines = append(v.lines, msg.DisplayName+": "+msg.Text)
	v.mu.Unlock()
}

func (v *roomView) ServerError(message string) {
	pterm.Error.Println(message)
}

func (v *roomView) transcript() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return strings.Join(v.lines, "\n")
}

// callRecorder keeps a call log for the session, started by the first
// connected peer and ended on leave.
type callRecorder struct {
	client *api.Client
	roomID string
	logger zerolog.Logger

	once    sync.Once
	wg      sync.WaitGroup
	mu      sync.Mutex
	created bool
}

func (r *callRecorder) start(peerID string) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), apiCallTimeout)
			defer cancel()
			_, err := r.client.CreateCallLog(ctx, service.NewCallLog{
				ReceiverID: peerID,
				RoomID:     r.roomID,
				StartTime:  time.Now(),
			})
			if err != nil {
				r.logger.Warn().Err(err).Msg("cannot create call log")
				return
			}
			r.mu.Lock()
			r.created = true
			r.mu.Unlock()
		}()
	})
}

func (r *callRecorder) finish(ctx context.Context) {
	if r == nil {
		return
	}
	r.wg.Wait()
	r.mu.Lock()
	created := r.created
	r.mu.Unlock()
	if !created {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()
	cl, err := r.client.EndCallLog(ctx, r.roomID, time.Now())
	if err != nil {
		r.logger.Warn().Err(err).Msg("cannot end call log")
		return
	}
	pterm.Info.Printfln("Call lasted %s", time.Duration(cl.Duration)*time.Second)
}

func summarizeChat(ctx context.Context, client *api.Client, token, roomID, name, transcript string, started time.Time) {
	if token == "" {
		pterm.Warning.Println("Log in to get meeting summaries")
		return
	}
	if transcript == "" {
		pterm.Info.Println("Nothing to summarize")
		return
	}
	spinner, _ := pterm.DefaultSpinner.Start("Summarizing the meeting...")
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	end := time.Now()
	ms, err := client.CreateSummary(ctx, service.NewSummary{
		RoomID:     roomID,
		Username:   name,
		Transcript: transcript,
		Duration:   int64(end.Sub(started).Seconds()),
		StartTime:  started,
		EndTime:    end,
	})
	if err != nil {
		spinner.Fail(err.Error())
		return
	}
	spinner.Success("Summary saved")
	printSummary(ms)
}
