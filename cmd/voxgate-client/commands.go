package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/voxgate/internal/client"
	"github.com/ent0n29/voxgate/internal/interaction"
	"github.com/ent0n29/voxgate/internal/logging"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/session"
	"github.com/ent0n29/voxgate/internal/synthesis"
)

// conversation is an open session with a live stream.
type conversation struct {
	api       *client.API
	sessionID string
	conn      *client.Conn
	loop      *client.Loop
	owned     bool // created here, so ended on close
}

func (c *conversation) close(ctx context.Context) {
	_ = c.conn.Close()
	if c.owned {
		_ = c.api.EndSession(ctx, c.sessionID)
	}
}

type streamFlags struct {
	sessionID string
	outDir    string
	pace      bool
	keep      bool
}

func (f *streamFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sessionID, "session", "", "resume an existing session instead of creating one")
	cmd.Flags().StringVar(&f.outDir, "out-dir", "", "directory to save reply audio into")
	cmd.Flags().BoolVar(&f.pace, "pace", false, "wait for each reply's duration as if it were playing")
	cmd.Flags().BoolVar(&f.keep, "keep", false, "leave a created session open on exit")
}

func openConversation(ctx context.Context, g *globalOptions, f *streamFlags) (*conversation, error) {
	logger := zerolog.Nop()
	if g.verbose {
		logger = logging.WithComponent("client")
	}
	api := client.NewAPI(g.baseURL)

	c := &conversation{api: api, sessionID: f.sessionID}
	var endpoint string
	if c.sessionID == "" {
		created, err := api.CreateSession(ctx, session.CreateRequest{
			Project:         g.project,
			UserID:          g.userID,
			Language:        g.language,
			VoicePreference: g.voice,
		})
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		c.sessionID = created.SessionID
		c.owned = !f.keep
		endpoint = created.StreamEndpoint
		if created.InitialGreeting != "" {
			fmt.Printf("assistant> %s\n", created.InitialGreeting)
		}
	} else {
		endpoint = "ws" + strings.TrimPrefix(strings.TrimRight(g.baseURL, "/"), "http") +
			"/v1/sessions/" + c.sessionID + "/stream"
	}
	fmt.Fprintf(os.Stderr, "session %s\n", c.sessionID)

	conn, err := client.Dial(ctx, client.ConnOptions{Endpoint: endpoint, Logger: logger})
	if err != nil {
		if c.owned {
			_ = api.EndSession(context.Background(), c.sessionID)
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}
	c.conn = conn
	c.loop = client.NewLoop(conn, client.LoopOptions{
		Player: &client.FilePlayer{API: api, Dir: f.outDir, Pace: f.pace},
		Logger: logger,
		OnFrame: func(frame protocol.Frame) {
			if g.verbose {
				fmt.Fprintf(os.Stderr, "  <- %s %+v\n", frame.FrameType(), frame)
			}
		},
	})
	return c, nil
}

func printTurn(res client.TurnResult) {
	if res.Transcript != nil {
		fmt.Printf("you> %s (%.2f)\n", res.Transcript.Text, res.Transcript.Confidence)
	}
	if res.Response != nil {
		fmt.Printf("assistant> %s\n", res.Response.Text)
		for _, a := range res.Response.SuggestedActions {
			fmt.Printf("  action: %s\n", a.Action)
		}
		if ref := res.Response.AudioReference; ref != nil {
			fmt.Printf("  audio: %s (%dms)\n", ref.URL, ref.DurationMS)
		}
	}
	for _, e := range res.Errors {
		fmt.Printf("  error %s: %s\n", e.Code, e.Message)
	}
	if res.Response == nil && res.EndReason != "" {
		fmt.Printf("  (%s)\n", res.EndReason)
	}
}

func newChatCmd(g *globalOptions) *cobra.Command {
	f := &streamFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Type messages and hear the replies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			conv, err := openConversation(ctx, g, f)
			if err != nil {
				return err
			}
			defer conv.close(context.Background())

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				fmt.Print("> ")
				var line string
				select {
				case <-ctx.Done():
					return nil
				case <-conv.conn.Done():
					return conv.conn.Err()
				case l, ok := <-lines:
					if !ok {
						return nil
					}
					line = strings.TrimSpace(l)
				}
				switch line {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				}
				res, err := conv.loop.Ask(ctx, line)
				printTurn(res)
				if errors.Is(err, client.ErrStreamEnded) {
					return conv.conn.Err()
				}
				if err != nil {
					fmt.Fprintln(os.Stderr, "turn failed:", err)
				}
			}
		},
	}
	f.register(cmd)
	return cmd
}

func newSayCmd(g *globalOptions) *cobra.Command {
	f := &streamFlags{}
	var (
		chunkMS  int
		realtime bool
	)
	cmd := &cobra.Command{
		Use:   "say <file.wav>...",
		Short: "Stream WAV files as spoken turns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			conv, err := openConversation(ctx, g, f)
			if err != nil {
				return err
			}
			defer conv.close(context.Background())

			for _, path := range args {
				capture, err := client.NewWAVFileCapture(path, chunkMS, realtime)
				if err != nil {
					return err
				}
				fmt.Printf("-- %s\n", filepath.Base(path))
				res, err := sayWithBackoff(ctx, conv.loop, capture)
				printTurn(res)
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds")
	cmd.Flags().BoolVar(&realtime, "realtime", false, "send chunks at speaking pace")
	return cmd
}

// sayWithBackoff waits out a client-side error backoff once before giving up.
func sayWithBackoff(ctx context.Context, loop *client.Loop, capture client.Capture) (client.TurnResult, error) {
	res, err := loop.Say(ctx, capture)
	if !errors.Is(err, client.ErrBackingOff) {
		return res, err
	}
	if b, ok := loop.State().(client.ErrorBackoff); ok {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(time.Until(b.Until)):
		}
	}
	return loop.Say(ctx, capture)
}

func newSynthesizeCmd(g *globalOptions) *cobra.Command {
	var (
		out     string
		emotion string
	)
	cmd := &cobra.Command{
		Use:   "synthesize <text>",
		Short: "Synthesize text and optionally save the audio",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := client.NewAPI(g.baseURL)
			res, err := api.Synthesize(cmd.Context(), synthesis.Request{
				Text:     strings.Join(args, " "),
				Voice:    g.voice,
				Language: g.language,
				Emotion:  emotion,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %dms cached=%t\n", res.AudioReference.ID, res.Format, res.DurationMS, res.Cached)
			if out == "" {
				return nil
			}
			data, err := api.FetchAudio(cmd.Context(), res.AudioReference.URL)
			if err != nil {
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the audio to this file")
	cmd.Flags().StringVar(&emotion, "emotion", "", "delivery style hint (e.g. calm, excited)")
	return cmd
}

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print a session's interaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := client.NewAPI(g.baseURL).Interactions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return writeHistory(os.Stdout, items)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func newEndCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.NewAPI(g.baseURL).EndSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("ended", args[0])
			return nil
		},
	}
}

func writeHistory(w io.Writer, items []interaction.Interaction) error {
	for _, it := range items {
		line := fmt.Sprintf("%4d %s %-11s %s", it.Seq, it.CreatedAt.Format(time.TimeOnly), it.Type, it.Text)
		if it.Intent != "" {
			line += " [" + it.Intent + "]"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
