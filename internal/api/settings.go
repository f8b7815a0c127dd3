package api

import (
	"net/http"
	"strings"

	"github.com/nugget/mandarin/internal/settings"
)

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.deps.Router.Models())
}

// settingsView is settings.View with the effective default model, which
// falls back through the config file and the catalog.
func (s *Server) settingsView() settings.View {
	v := s.deps.Settings.View()
	preferred := s.deps.Settings.DefaultModel()
	if preferred == "" {
		preferred = s.deps.DefaultModel
	}
	if m := s.deps.Router.DefaultModel(preferred); m != "" {
		v.DefaultModel = &m
	} else {
		v.DefaultModel = nil
	}
	return v
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.settingsView())
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var u settings.Update
	if err := decode(r, &u); err != nil {
		s.fail(w, err)
		return
	}
	if u.DefaultModel != nil {
		if id := strings.TrimSpace(*u.DefaultModel); id != "" {
			if _, ok := s.deps.Router.Lookup(id); !ok {
				s.errorResponse(w, http.StatusBadRequest, "unknown model: "+id)
				return
			}
		}
	}
	if err := s.deps.Settings.Apply(u); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, s.settingsView())
}
