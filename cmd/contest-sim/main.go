package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

type options struct {
	baseURL    string
	players    int
	retries    int
	retryDelay time.Duration
	pollEvery  time.Duration
	timeout    time.Duration
}

// simulates a group of players entering one contest and voting it to a result
func main() {
	var opt options
	flag.StringVar(&opt.baseURL, "base-url", "http://localhost:8080", "contest server base URL")
	flag.IntVar(&opt.players, "players", 4, "number of simulated players")
	flag.IntVar(&opt.retries, "retries", 5, "retries for busy (503) responses")
	flag.DurationVar(&opt.retryDelay, "retry-delay", 200*time.Millisecond, "delay between retries")
	flag.DurationVar(&opt.pollEvery, "poll-every", time.Second, "interval between resolve polls")
	flag.DurationVar(&opt.timeout, "timeout", 5*time.Minute, "overall simulation timeout")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if opt.players < contest.MinContestants {
		logger.Fatal().Int("players", opt.players).Msg("need at least two players")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opt.timeout)
	defer cancel()

	c := &client{
		base:       strings.TrimRight(opt.baseURL, "/"),
		http:       &http.Client{Timeout: 10 * time.Second},
		retries:    opt.retries,
		retryDelay: opt.retryDelay,
	}
	result, err := run(ctx, c, opt, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("simulation failed")
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}

type player struct {
	id   string
	name string
}

func run(ctx context.Context, c *client, opt options, logger zerolog.Logger) (*contest.Document, error) {
	players := make([]player, opt.players)
	for i := range players {
		players[i] = player{id: uuid.NewString(), name: fmt.Sprintf("Gardener %d", i+1)}
	}

	host := players[0]
	var first joinResponse
	if err := c.do(ctx, http.MethodPost, "/v1/contest/join", host, joinBody(host), &first); err != nil {
		return nil, fmt.Errorf("host join: %w", err)
	}
	sessionID := first.SessionID
	logger.Info().Str("session_id", sessionID.String()).Bool("created", first.Created).Msg("host joined")

	var wg sync.WaitGroup
	errs := make([]error, len(players))
	for i, p := range players[1:] {
		wg.Add(1)
		go func(i int, p player) {
			defer wg.Done()
			var res joinResponse
			if err := c.do(ctx, http.MethodPost, "/v1/contest/join", p, joinBody(p), &res); err != nil {
				errs[i] = fmt.Errorf("%s join: %w", p.name, err)
				return
			}
			if res.SessionID != sessionID {
				logger.Warn().Str("player", p.name).Str("session_id", res.SessionID.String()).Msg("player landed in another session")
			}
		}(i+1, p)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	path := "/v1/contest/sessions/" + sessionID.String()
	var doc contest.Document
	if err := c.do(ctx, http.MethodGet, path, player{}, nil, &doc); err != nil {
		return nil, err
	}
	if doc.Status == contest.StatusWaiting {
		if err := c.do(ctx, http.MethodPost, path+"/start", host, nil, &doc); err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
	}
	logger.Info().Str("status", string(doc.Status)).Int("contestants", len(doc.Contestants)).Msg("voting open")

	for doc.Status != contest.StatusFinished {
		round := doc.Round
		if doc.Status == contest.StatusVoting {
			castVotes(ctx, c, path, players, doc, logger)
		}
		for doc.Status != contest.StatusFinished && doc.Round == round {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opt.pollEvery):
			}
			for _, p := range players {
				_ = c.do(ctx, http.MethodPost, path+"/heartbeat", p, nil, nil)
			}
			if err := c.do(ctx, http.MethodPost, path+"/resolve", player{}, nil, &doc); err != nil {
				return nil, fmt.Errorf("resolve: %w", err)
			}
		}
		if doc.Status == contest.StatusVoting {
			logger.Info().Int("round", doc.Round).Msg("tie, new round")
		}
	}
	return &doc, nil
}

// castVotes has every player still in the round vote for a random rival.
func castVotes(ctx context.Context, c *client, path string, players []player, doc contest.Document, logger zerolog.Logger) {
	var candidates []contest.Contestant
	for _, ct := range doc.Contestants {
		if ct.IsConnected && ct.EliminatedRound == 0 {
			candidates = append(candidates, ct)
		}
	}
	for _, p := range players {
		var choices []contest.Contestant
		for _, ct := range candidates {
			if ct.OwnerID != p.id {
				choices = append(choices, ct)
			}
		}
		if len(choices) == 0 {
			continue
		}
		target := choices[rand.Intn(len(choices))]
		body := map[string]interface{}{"contestantId": target.ContestantID}
		if err := c.do(ctx, http.MethodPost, path+"/votes", p, body, nil); err != nil {
			logger.Warn().Err(err).Str("player", p.name).Msg("vote rejected")
			continue
		}
		logger.Debug().Str("player", p.name).Str("target", target.OwnerName).Msg("vote cast")
	}
}

func joinBody(p player) map[string]interface{} {
	return map[string]interface{}{
		"plant": contest.PlantSnapshot{
			PlantID: "plant-" + p.id,
			Name:    p.name + "'s fern",
		},
	}
}

type joinResponse struct {
	SessionID uuid.UUID `json:"sessionId"`
	Created   bool      `json:"created"`
}

type client struct {
	base       string
	http       *http.Client
	retries    int
	retryDelay time.Duration
}

type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// do sends one request as p, retrying while the server reports it is busy.
func (c *client) do(ctx context.Context, method, path string, p player, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	var lastErr error
	for i := 0; i <= c.retries; i++ {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if p.id != "" {
			req.Header.Set("X-User-ID", p.id)
			req.Header.Set("X-User-Name", p.name)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(c.retryDelay)
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(raw) == 0 {
				return nil
			}
			return json.Unmarshal(raw, out)
		}
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		if resp.StatusCode != http.StatusServiceUnavailable {
			return apiErr
		}
		lastErr = apiErr
		time.Sleep(c.retryDelay)
	}
	return lastErr
}
