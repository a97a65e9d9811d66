package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-directchat/internal/auth"
	"github.com/npezzotti/go-directchat/internal/database"
	"github.com/npezzotti/go-directchat/internal/server"
	"github.com/npezzotti/go-directchat/internal/types"
	"github.com/teris-io/shortid"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	Avatar   string `json:"avatar,omitempty"`
}

type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

func (s *DirectChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *DirectChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	s.writeJson(w, errResp.StatusCode, errResp)
}

// lookupError maps a failed single-row lookup onto an API error.
func lookupError(err error) *ApiError {
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError()
	}
	return NewInternalServerError(err)
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func publicUser(u database.User) types.User {
	return types.User{
		Id:        u.Id,
		Username:  u.Username,
		Avatar:    u.Avatar,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func toMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:        m.Id,
		Sender:    types.User{Id: m.SenderId, Username: m.SenderUsername, Avatar: m.SenderAvatar},
		Recipient: types.User{Id: m.RecipientId, Username: m.RecipientUsername, Avatar: m.RecipientAvatar},
		Content:   m.Content,
		Read:      m.IsRead,
		CreatedAt: m.CreatedAt,
	}

	if m.ReplyToId != "" {
		msg.ReplyTo = &types.MessageRef{Id: m.ReplyToId, Content: m.ReplyContent}
		// a resolved reply target always belongs to the same conversation
		switch m.ReplySenderId {
		case msg.Sender.Id:
			sender := msg.Sender
			msg.ReplyTo.Sender = &sender
		case msg.Recipient.Id:
			recipient := msg.Recipient
			msg.ReplyTo.Sender = &recipient
		}
	}

	return msg
}

func (s *DirectChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *DirectChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	pwdHash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	id, err := shortid.Generate()
	if err != nil {
		s.log.Print("generate user id: ", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	newUser, err := s.db.CreateAccount(r.Context(), database.CreateAccountParams{
		Id:           id,
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
		Avatar:       req.Avatar,
	})
	if err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			s.writeError(w, NewConflictError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	u := publicUser(newUser)
	u.EmailAddress = newUser.EmailAddress
	s.writeJson(w, http.StatusCreated, u)
}

func (s *DirectChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if lr.Email == "" || lr.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	dbUser, err := s.db.GetAccountByEmail(r.Context(), lr.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.writeError(w, NewUnauthorizedError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if !auth.VerifyPassword(dbUser.PasswordHash, lr.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	token, err := s.tokens.Issue(dbUser.Id, auth.DefaultExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, auth.DefaultExpiration))

	u := publicUser(dbUser)
	u.EmailAddress = dbUser.EmailAddress
	s.writeJson(w, http.StatusOK, LoginResponse{Token: token, User: u})
}

func (s *DirectChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	cookie := createJwtCookie("", 0)
	cookie.Expires = time.Unix(0, 0)
	cookie.MaxAge = -1
	http.SetCookie(w, cookie)
	w.WriteHeader(http.StatusNoContent)
}

func (s *DirectChatApp) session(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	user, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	u := publicUser(user)
	u.EmailAddress = user.EmailAddress
	u.IsOnline = s.cs.IsOnline(user.Id)
	s.writeJson(w, http.StatusOK, u)
}

func (s *DirectChatApp) listUsers(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	dbUsers, err := s.db.ListAccounts(r.Context())
	if err != nil {
		s.log.Println("list accounts:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	users := make([]types.User, 0, len(dbUsers))
	for _, dbUser := range dbUsers {
		if dbUser.Id == userId {
			continue
		}
		u := publicUser(dbUser)
		u.IsOnline = s.cs.IsOnline(u.Id)
		users = append(users, u)
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *DirectChatApp) getUser(w http.ResponseWriter, r *http.Request) {
	dbUser, err := s.db.GetAccountById(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	u := publicUser(dbUser)
	u.IsOnline = s.cs.IsOnline(u.Id)
	s.writeJson(w, http.StatusOK, u)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func (s *DirectChatApp) getConversation(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	peerId := r.PathValue("peerId")

	before, err := queryInt(r, "before")
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if _, err := s.db.GetAccountById(r.Context(), peerId); err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	dbMessages, err := s.db.GetConversation(r.Context(), userId, peerId, int64(before), limit)
	if err != nil {
		s.log.Println("get conversation:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, m := range dbMessages {
		messages = append(messages, toMessage(m))
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *DirectChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	n, err := s.db.MarkConversationRead(r.Context(), userId, r.PathValue("peerId"))
	if err != nil {
		s.log.Println("mark conversation read:", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, MarkReadResponse{Updated: n})
}

func (s *DirectChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	if err := s.cs.DeleteMessage(r.Context(), userId, r.PathValue("id")); err != nil {
		errResp := errorFromDomain(err)
		if errResp.StatusCode == http.StatusInternalServerError {
			s.log.Println("delete message:", err)
		}
		s.writeError(w, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *DirectChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}

	token := requestToken(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(conn, s.cs, s.log)
	if err := s.cs.Admit(r.Context(), client, token); err != nil {
		return
	}

	client.Run()
}
