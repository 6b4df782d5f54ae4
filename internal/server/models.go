package server

import (
	"net/http"
	"sort"

	conduit "github.com/knnlabs/conduit/internal"
)

// handleListModels returns every enabled model alias in the catalog as an
// OpenAI-compatible model list.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.deps.Store.ListMappings(r.Context())
	if err != nil {
		writeError(w, r, conduit.WrapError(conduit.KindConfiguration, err, "list models"))
		return
	}

	data := make([]conduit.ModelInfo, 0, len(mappings))
	for _, m := range mappings {
		if !m.Enabled {
			continue
		}
		data = append(data, conduit.ModelInfo{
			ID:      m.Alias,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: "conduit",
		})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	writeJSON(w, http.StatusOK, conduit.ModelList{Object: "list", Data: data})
}
