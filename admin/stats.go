package admin

import (
	"net/http"
)

// handlePartitions merges persisted cursors, store contents and live pull progress
func (h *AdminHandlers) handlePartitions(w http.ResponseWriter, r *http.Request) {
	type partitionView struct {
		Partition  string             `json:"partition"`
		NC         string             `json:"nc,omitempty"`
		HighestUSN uint64             `json:"highest_usn"`
		MoreData   bool               `json:"more_data"`
		Pages      int                `json:"pages"`
		Objects    int64              `json:"objects"`
		Links      int64              `json:"links"`
		Source     string             `json:"source_invocation_id,omitempty"`
		Live       *PartitionProgress `json:"live,omitempty"`
	}

	views := map[string]*partitionView{}
	var order []string
	view := func(name string) *partitionView {
		if v, ok := views[name]; ok {
			return v
		}
		v := &partitionView{Partition: name}
		views[name] = v
		order = append(order, name)
		return v
	}

	if h.cursors != nil {
		records, err := h.cursors.Cursors()
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, rec := range records {
			v := view(rec.Partition)
			v.NC = rec.NC
			v.HighestUSN = rec.Cursor.Watermark.HighestUSN
			v.MoreData = rec.Cursor.MoreData
			v.Pages = rec.Cursor.Pages
			v.Source = rec.Cursor.SourceInvocationID.String()
		}
	}

	if h.stats != nil {
		stats, err := h.stats.PartitionStats()
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, s := range stats {
			v := view(s.Partition)
			v.Objects = s.Objects
			v.Links = s.Links
		}
	}

	for _, p := range h.board.Partitions() {
		live := p
		v := view(p.Partition)
		if v.NC == "" {
			v.NC = p.NC
		}
		v.Live = &live
	}

	out := make([]partitionView, 0, len(order))
	for _, name := range order {
		out = append(out, *views[name])
	}
	writeJSONResponse(w, out)
}
