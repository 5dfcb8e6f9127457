package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/game"
	"github.com/tecu23/live-server/pkg/messages"
	"github.com/tecu23/live-server/pkg/repository"
)

type createGameRequest struct {
	WhiteID        string `json:"white_id"`
	BlackID        string `json:"black_id"`
	Mode           string `json:"mode"`
	InitialFEN     string `json:"initial_fen"`
	WhiteTime      int64  `json:"white_time"`
	BlackTime      int64  `json:"black_time"`
	WhiteIncrement int64  `json:"white_increment"`
	BlackIncrement int64  `json:"black_increment"`
}

type createGameResponse struct {
	Game       messages.GameStatePayload `json:"game"`
	WhiteToken string                    `json:"white_token"`
	BlackToken string                    `json:"black_token"`
}

// archivedGameResponse is the REST shape of a finished game.
type archivedGameResponse struct {
	GameID      string            `json:"game_id"`
	Mode        string            `json:"mode"`
	Status      string            `json:"status"`
	WhiteID     string            `json:"white_id"`
	BlackID     string            `json:"black_id"`
	InitialFEN  string            `json:"initial_fen"`
	FinalFEN    string            `json:"final_fen"`
	Plies       []chess.Ply       `json:"plies,omitempty"`
	Cause       string            `json:"cause,omitempty"`
	Result      string            `json:"result"`
	WhiteMs     int64             `json:"white_ms"`
	BlackMs     int64             `json:"black_ms"`
	TimeControl chess.TimeControl `json:"time_control"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// handleCreateGame handles POST /api/games. The caller is a trusted
// backend (a matchmaker, a tournament runner) pairing two players; the
// response carries one join token per seat for it to hand out.
func (app *application) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := app.readJSON(w, r, &req); err != nil {
		app.badRequest(w, err)
		return
	}

	mode := game.ModeCasual
	if req.Mode != "" {
		parsed, err := game.ParseMode(req.Mode)
		if err != nil {
			app.badRequest(w, fmt.Errorf("unknown mode %q", req.Mode))
			return
		}
		mode = parsed
	}

	session, err := app.Manager.CreateSession(game.CreateGameParams{
		WhiteID:    req.WhiteID,
		BlackID:    req.BlackID,
		Mode:       mode,
		InitialFEN: req.InitialFEN,
		TimeControl: chess.TimeControl{
			WhiteTime:      req.WhiteTime,
			BlackTime:      req.BlackTime,
			WhiteIncrement: req.WhiteIncrement,
			BlackIncrement: req.BlackIncrement,
		},
	})
	if err != nil {
		app.badRequest(w, err)
		return
	}

	state, err := session.State(r.Context())
	if err != nil {
		app.serverError(w, err)
		return
	}

	whiteToken, err := app.Tokens.Issue(req.WhiteID)
	if err != nil {
		app.serverError(w, err)
		return
	}

	blackToken, err := app.Tokens.Issue(req.BlackID)
	if err != nil {
		app.serverError(w, err)
		return
	}

	app.writeJSON(w, http.StatusCreated, createGameResponse{
		Game:       state,
		WhiteToken: whiteToken,
		BlackToken: blackToken,
	})
}

// handleGetGame handles GET /api/games/{id}. Live sessions answer with
// their authoritative state; finished games come from the archive.
func (app *application) handleGetGame(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]

	if id, err := uuid.Parse(idStr); err == nil {
		session, err := app.Manager.FindSession(r.Context(), id)
		switch {
		case err == nil:
			state, stateErr := session.State(r.Context())
			if stateErr == nil {
				app.writeJSON(w, http.StatusOK, state)
				return
			}
			// The session finished while we were asking; the archive
			// may already hold it.
		case !errors.Is(err, game.ErrUnknownGame):
			app.serverError(w, err)
			return
		}
	}

	rec, err := app.Archive.Get(r.Context(), idStr)
	if errors.Is(err, repository.ErrNotFound) {
		app.notFound(w)
		return
	}
	if err != nil {
		app.serverError(w, err)
		return
	}

	app.writeJSON(w, http.StatusOK, archivedGame(rec))
}

// handleGetPGN handles GET /api/games/{id}/pgn, exporting a finished
// game as a PGN document.
func (app *application) handleGetPGN(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]

	rec, err := app.Archive.Get(r.Context(), idStr)
	if errors.Is(err, repository.ErrNotFound) {
		app.notFound(w)
		return
	}
	if err != nil {
		app.serverError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-chess-pgn")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, repository.BuildPGN(rec))
}

// handleListUserGames handles GET /api/users/{id}/games: the games a
// user is currently seated in plus their most recently finished ones.
func (app *application) handleListUserGames(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			app.badRequest(w, errors.New("limit must be between 1 and 100"))
			return
		}
		limit = n
	}

	live := make([]messages.GameStatePayload, 0)
	for _, session := range app.Manager.SessionsOf(userID) {
		state, err := session.State(r.Context())
		if err != nil {
			// Closed while we iterated.
			continue
		}
		live = append(live, state)
	}

	recs, err := app.Archive.ListByUser(r.Context(), userID, limit)
	if err != nil {
		app.serverError(w, err)
		return
	}

	finished := make([]archivedGameResponse, 0, len(recs))
	for _, rec := range recs {
		finished = append(finished, archivedGame(rec))
	}

	app.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"live":     live,
		"finished": finished,
	})
}

type tokenRequest struct {
	UserID string `json:"user_id"`
}

// handleIssueToken handles POST /api/tokens, minting a websocket token
// for a player the calling backend has already authenticated.
func (app *application) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := app.readJSON(w, r, &req); err != nil {
		app.badRequest(w, err)
		return
	}

	token, err := app.Tokens.Issue(req.UserID)
	if err != nil {
		app.badRequest(w, err)
		return
	}

	app.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       req.UserID,
		"token":         token,
		"expires_in_ms": app.Config.TokenTTL.Milliseconds(),
	})
}

func archivedGame(rec game.ArchiveRecord) archivedGameResponse {
	return archivedGameResponse{
		GameID:      rec.GameID,
		Mode:        rec.Mode,
		Status:      string(game.StatusFinished),
		WhiteID:     rec.WhiteID,
		BlackID:     rec.BlackID,
		InitialFEN:  rec.InitialFEN,
		FinalFEN:    rec.FinalFEN,
		Plies:       rec.Plies,
		Cause:       rec.Cause,
		Result:      rec.Result,
		WhiteMs:     rec.WhiteMs,
		BlackMs:     rec.BlackMs,
		TimeControl: rec.TimeControl,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}
}

func (app *application) readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}

	return nil
}

func (app *application) writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		app.Logger.Error("Encoding response failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (app *application) badRequest(w http.ResponseWriter, err error) {
	app.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (app *application) notFound(w http.ResponseWriter) {
	app.writeJSON(w, http.StatusNotFound, map[string]string{"error": "game not found"})
}

func (app *application) serverError(w http.ResponseWriter, err error) {
	app.Logger.Error("Request failed", zap.Error(err))
	app.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}
