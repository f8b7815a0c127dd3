package api

import (
	"io"
	"net/http"

	"github.com/nugget/mandarin/internal/library"
)

// maxContextBytes bounds a context document upload.
const maxContextBytes = 4 << 20

func (s *Server) handleContextList(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.deps.Library.Contexts())
}

func (s *Server) handleContextGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Library.Context(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	if _, err := io.WriteString(w, c.Text); err != nil {
		s.logger.Debug("failed to write context", "error", err)
	}
}

// handleContextPut stores the raw request body as the context text.
func (s *Server) handleContextPut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxContextBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "cannot read body")
		return
	}
	c, err := s.deps.Library.PutContext(r.PathValue("id"), string(body))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, c)
}

func (s *Server) handleContextDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Library.DeleteContext(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	rules := s.deps.Library.RuleList()
	if rules == nil {
		rules = []library.Rule{}
	}
	s.respond(w, http.StatusOK, rules)
}

func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Library.Rule(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, rule)
}

func (s *Server) handleRulePut(w http.ResponseWriter, r *http.Request) {
	var rule library.Rule
	if err := decode(r, &rule); err != nil {
		s.fail(w, err)
		return
	}
	rule.ID = r.PathValue("id")
	saved, err := s.deps.Library.PutRule(rule)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := *saved
	out.Body = ""
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Library.DeleteRule(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommandList(w http.ResponseWriter, r *http.Request) {
	cmds := s.deps.Library.CommandList()
	if cmds == nil {
		cmds = []library.Command{}
	}
	s.respond(w, http.StatusOK, cmds)
}

func (s *Server) handleCommandGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Library.Command(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, c)
}

// handleCommandPut accepts either the structured sections (task,
// success_criteria, guidelines) or a raw body.
func (s *Server) handleCommandPut(w http.ResponseWriter, r *http.Request) {
	var c library.Command
	if err := decode(r, &c); err != nil {
		s.fail(w, err)
		return
	}
	c.ID = r.PathValue("id")
	saved, err := s.deps.Library.PutCommand(c)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, saved)
}

func (s *Server) handleCommandDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Library.DeleteCommand(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
