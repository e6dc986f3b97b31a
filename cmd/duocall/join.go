package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tariel-x/duocall/internal/coordinator"
	"github.com/tariel-x/duocall/internal/identity"
	"github.com/tariel-x/duocall/internal/roomstore/remote"
	"github.com/tariel-x/duocall/internal/rtc"
)

var errLeft = errors.New("left the room")

var (
	flagAudioFile string
	flagVideoFile string
)

var joinCmd = &cobra.Command{
	Use:   "join <room-code> <name>",
	Short: "Join a room and chat or call the other occupant",
	Long: `Join a room and chat or call the other occupant.

The client has no camera or microphone capture. Calls send the files given
with --audio-file (Ogg/Opus) and --video-file (IVF/VP8) in a loop; without
them the local tracks stay silent. Remote media is received and discarded.`,
	Args: cobra.ExactArgs(2),
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&flagAudioFile, "audio-file", "", "Ogg/Opus file sent as the microphone track")
	joinCmd.Flags().StringVar(&flagVideoFile, "video-file", "", "IVF/VP8 file sent as the camera track")
}

func runJoin(cmd *cobra.Command, args []string) error {
	room, name := args[0], args[1]
	cfg := clientConfig()
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient = newHTTPClient(cfg)
	provider := identity.NewProvider(cfg.ServerURL, cfg.SessionFile, identity.WithHTTPClient(httpClient))
	id, err := provider.EnsureSessionIdentity(ctx)
	if err != nil {
		return fmt.Errorf("could not get a session from %s: %w", cfg.ServerURL, err)
	}

	engine, err := rtc.NewEngine(id.SessionID, logger)
	if err != nil {
		return err
	}
	if flagAudioFile != "" {
		if err := engine.AddFileSource(rtc.KindAudio, flagAudioFile); err != nil {
			return err
		}
	}
	if flagVideoFile != "" {
		if err := engine.AddFileSource(rtc.KindVideo, flagVideoFile); err != nil {
			return err
		}
	}

	var timings clientTimings
	if err := fetchJSON(ctx, cfg.ServerURL, "/api/client-config", &timings); err != nil {
		logger.Warn("client config unavailable, using defaults", "error", err)
	}
	ice := fetchICEConfig(ctx, cfg.ServerURL)

	store, err := remote.Dial(ctx, cfg.ServerURL, id.Token, remote.WithTLSConfig(clientTLS(cfg)))
	if err != nil {
		return err
	}
	defer store.Close()

	coord := coordinator.New(coordinator.Options{
		Identity:          provider,
		Store:             store,
		Engine:            engine,
		ICE:               ice,
		HeartbeatInterval: time.Duration(timings.HeartbeatIntervalSec) * time.Second,
		StaleAfter:        time.Duration(timings.StaleAfterSec) * time.Second,
		Logger:            logger,
	})
	defer coord.Close()

	out := cmd.OutOrStdout()
	r := newRenderer(out)

	if err := coord.Join(ctx, room, name); err != nil {
		// The notice carries the user-facing text.
		drainNotices(coord, r)
		return fmt.Errorf("could not join room %s: %w", room, err)
	}
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Joined room %s as %s", room, name)))
	fmt.Fprintln(out, mutedStyle.Render("Type /help for commands."))

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-store.Done():
			drainNotices(coord, r)
			return errors.New("connection to the server was lost")
		case n := <-coord.Notices():
			r.notice(n)
		case <-coord.Changed():
			r.update(coord.View())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := runLine(ctx, coord, r, line); err != nil {
				if errors.Is(err, errLeft) {
					fmt.Fprintln(out, mutedStyle.Render("Left room "+room+"."))
					return nil
				}
				logger.Debug("command failed", "line", line, "error", err)
			}
		}
	}
}

// runLine executes one line of input. Failures are already reported as
// notices by the coordinator.
func runLine(ctx context.Context, coord *coordinator.Coordinator, r *renderer, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return coord.SendMessage(ctx, line)
	}

	switch strings.Fields(line)[0] {
	case "/call":
		return coord.StartCall(ctx)
	case "/accept":
		return coord.Accept(ctx)
	case "/reject":
		return coord.Reject(ctx)
	case "/hangup":
		return coord.Hangup(ctx)
	case "/mute":
		muted, err := coord.ToggleAudio(ctx)
		if err == nil {
			r.notice(coordinator.Notice{Text: toggleText("Microphone", muted)})
		}
		return err
	case "/video":
		off, err := coord.ToggleVideo(ctx)
		if err == nil {
			r.notice(coordinator.Notice{Text: toggleText("Camera", off)})
		}
		return err
	case "/who":
		r.who(coord.View())
		return nil
	case "/leave", "/quit", "/exit":
		if err := coord.Leave(ctx); err != nil {
			return err
		}
		return errLeft
	case "/help":
		fmt.Fprintln(r.w, helpText)
		return nil
	default:
		r.notice(coordinator.Notice{Text: "Unknown command " + line + ". Type /help for commands."})
		return nil
	}
}

func toggleText(device string, off bool) string {
	if off {
		return device + " off."
	}
	return device + " on."
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func drainNotices(coord *coordinator.Coordinator, r *renderer) {
	for {
		select {
		case n := <-coord.Notices():
			r.notice(n)
		default:
			return
		}
	}
}
