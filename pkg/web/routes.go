// Copyright 2025-2026 The tlfix Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"tlfix/pkg/journal"
	"tlfix/pkg/log"
	"tlfix/pkg/system"

	"github.com/gorilla/websocket"
)

const jsonContentType = "application/json"

// Progress is a snapshot of the batch run.
type Progress struct {
	Total   int      `json:"total"`
	Done    int      `json:"done"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Active  []string `json:"active"`
}

// ProgressFunc returns the current batch progress.
type ProgressFunc func() Progress

// Status returns host and batch status in json format.
func Status(sys *system.System, progress ProgressFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		response := struct {
			System system.Status `json:"system"`
			Batch  Progress      `json:"batch"`
		}{
			System: sys.Status(),
			Batch:  progress(),
		}

		w.Header().Set("Content-Type", jsonContentType)
		err := json.NewEncoder(w).Encode(response)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// JournalQuery handles journal queries.
func JournalQuery(db *journal.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		limit := query.Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}

		limitInt, err := strconv.Atoi(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
			return
		}

		var before int64
		if beforeStr := query.Get("before"); beforeStr != "" {
			before, err = strconv.ParseInt(beforeStr, 10, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert before to int: %v", err), http.StatusBadRequest)
				return
			}
		}

		records, err := db.Query(journal.Query{
			Limit:      limitInt,
			Before:     before,
			OnlyFailed: query.Get("failed") == "true",
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		err = json.NewEncoder(w).Encode(records)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// LogFeed opens a websocket with live logs. The feed closes when ctx
// is canceled.
func LogFeed(ctx context.Context, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		var levels []log.Level
		for _, levelStr := range parseCSVParam(query, "levels") {
			levelInt, err := strconv.Atoi(levelStr)
			if err != nil {
				http.Error(w,
					fmt.Sprintf("invalid levels list: %v", err),
					http.StatusBadRequest)
				return
			}
			levels = append(levels, log.Level(levelInt))
		}
		sources := parseCSVParam(query, "sources")

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer c.Close()

		feed, cancel := logger.Subscribe()
		defer cancel()

		for {
			var entry log.Log
			select {
			case entry = <-feed:
			case <-ctx.Done():
				return
			}

			if !log.LevelInLevels(entry.Level, levels) {
				continue
			}
			if !log.StringInStrings(entry.Src, sources) {
				continue
			}

			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}

func parseCSVParam(query url.Values, name string) []string {
	value := query.Get(name)
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}
