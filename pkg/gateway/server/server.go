// Package server wires the gateway: storage, the assistant client, moderation,
// the voice providers, and the websocket routes.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wwbp/chatengine/pkg/assistant"
	"github.com/wwbp/chatengine/pkg/blob"
	"github.com/wwbp/chatengine/pkg/engine"
	"github.com/wwbp/chatengine/pkg/gateway/config"
	"github.com/wwbp/chatengine/pkg/gateway/group"
	"github.com/wwbp/chatengine/pkg/gateway/handlers"
	"github.com/wwbp/chatengine/pkg/moderation"
	"github.com/wwbp/chatengine/pkg/prompt"
	"github.com/wwbp/chatengine/pkg/store"
	"github.com/wwbp/chatengine/pkg/voice/stt"
	"github.com/wwbp/chatengine/pkg/voice/tts"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	store  *store.Store
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}

	client := assistant.NewWithClient(cfg.OpenAIAPIKey, cfg.AssistantModel, httpClient)
	if cfg.AssistantBaseURL != "" {
		client = client.WithBaseURL(cfg.AssistantBaseURL)
	}

	var blobs blob.Store
	if cfg.S3Bucket != "" {
		s3Client := s3.New(s3.Options{
			Region: cfg.S3Region,
			Credentials: credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey, cfg.S3SecretKey, ""),
		})
		blobs = blob.NewS3(s3Client, cfg.S3Bucket, cfg.S3KeyPrefix)
	} else {
		logger.Warn("artifact storage disabled, no S3 bucket configured")
	}

	eng := engine.New(engine.NewAssistantAPI(client), st, prompt.NewComposer(st, logger), blobs, logger)
	gate := moderation.NewGate(moderation.NewOpenAIClassifier(cfg.OpenAIAPIKey, httpClient), logger)
	groups := group.NewRegistry(logger)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		store:  st,
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/ws/chat/{session_id}", handlers.ChatHandler{
		Config: cfg,
		Engine: eng,
		Store:  st,
		Gate:   gate,
		Groups: groups,
		Logger: logger,
	})

	if cfg.GeminiAPIKey != "" && cfg.ElevenLabsAPIKey != "" {
		transcriber, err := stt.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			st.Close()
			return nil, err
		}
		s.mux.Handle("/ws/audio/{session_id}", handlers.AudioHandler{
			Config:      cfg,
			Engine:      eng,
			Store:       st,
			Gate:        gate,
			Groups:      groups,
			Transcriber: transcriber,
			Synth:       tts.NewElevenLabs(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID, httpClient),
			Blobs:       blobs,
			Logger:      logger,
		})
	} else {
		logger.Warn("audio channel disabled, voice provider keys not configured")
	}

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Close releases the server's storage resources.
func (s *Server) Close() {
	s.store.Close()
}
