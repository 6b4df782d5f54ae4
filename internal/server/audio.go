package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	conduit "github.com/knnlabs/conduit/internal"
)

// transcriptionMemLimit is the in-memory threshold for multipart parsing;
// larger uploads spill to temp files.
const transcriptionMemLimit = 10 << 20

func (s *server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req conduit.SpeechRequest
	if !s.decodeRequestBody(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required"))
		return
	}
	if req.Input == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("input is required"))
		return
	}
	if err := s.checkModelAccess(r, req.Model); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.deps.Dispatch.Speech(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ct := resp.ContentType
	if ct == "" {
		ct = "audio/mpeg"
	}
	h := w.Header()
	h.Set("Content-Type", ct)
	h.Set("Content-Length", strconv.Itoa(len(resp.Audio)))
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Audio)
}

// handleTranscription accepts the OpenAI multipart form: file and model are
// required; language, prompt, response_format, and temperature are optional.
func (s *server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := r.ParseMultipartForm(transcriptionMemLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid multipart form: "+err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck // spilled temp files

	model := r.FormValue("model")
	if model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required"))
		return
	}
	if err := s.checkModelAccess(r, model); err != nil {
		writeError(w, r, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("file is required"))
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read file"))
		return
	}

	req := conduit.TranscriptionRequest{
		Model:          model,
		Audio:          audio,
		Filename:       header.Filename,
		Language:       r.FormValue("language"),
		Prompt:         r.FormValue("prompt"),
		ResponseFormat: r.FormValue("response_format"),
	}
	if t := r.FormValue("temperature"); t != "" {
		v, pErr := strconv.ParseFloat(t, 64)
		if pErr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid temperature"))
			return
		}
		req.Temperature = &v
	}

	resp, err := s.deps.Dispatch.Transcription(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if req.ResponseFormat == "text" {
		w.Header()["Content-Type"] = plainCT
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, resp.Text) //nolint:errcheck
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
