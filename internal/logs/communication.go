package logs

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"vpnconsole-go/internal/config"
)

const redacted = "[FILTERED]"

var sensitiveKey = regexp.MustCompile(`(?i)(password|secret|token|authorization|cookie|credential|session|bearer|jwt)`)

// CommunicationLogger writes one JSON line per API exchange to its own rotated file.
// The zero value, and any logger built from a disabled config, does nothing.
type CommunicationLogger struct {
	logger *zap.Logger
	config *config.CommunicationLogConfig
	redact bool
}

// NewCommunicationLogger opens the API traffic log described by logConfig.Communication.
func NewCommunicationLogger(logConfig *config.LogConfig) (*CommunicationLogger, error) {
	if logConfig == nil || logConfig.Communication == nil || !logConfig.Communication.Enabled {
		return &CommunicationLogger{}, nil
	}
	comm := logConfig.Communication

	// Same rotation policy as the main log, always JSON
	fileCfg := *logConfig
	fileCfg.Filename = comm.Filename
	fileCfg.JSONFormat = true
	fileCfg.Communication = nil

	core, err := createFileCore(&fileCfg, parseLevel(logConfig.Level))
	if err != nil {
		return nil, fmt.Errorf("failed to create communication log file core: %w", err)
	}
	return &CommunicationLogger{
		logger: zap.New(core),
		config: comm,
		redact: comm.FilterSensitive,
	}, nil
}

// LogRequest records an outgoing call before it is sent.
func (cl *CommunicationLogger) LogRequest(method, path string, payload interface{}, headers map[string]interface{}, requestID string) {
	if !cl.IsEnabled() || !cl.config.LogRequests {
		return
	}
	fields := cl.base("request", method, path, requestID)
	if headers != nil {
		fields = append(fields, zap.Any("headers", cl.scrubHeaders(headers)))
	}
	cl.logger.Info("api_exchange", append(fields, cl.payloadFields(payload)...)...)
}

// LogResponse records a successful reply.
func (cl *CommunicationLogger) LogResponse(method, path string, statusCode int, payload interface{}, duration time.Duration, requestID string) {
	if !cl.IsEnabled() || !cl.config.LogResponses {
		return
	}
	fields := append(cl.base("response", method, path, requestID),
		zap.Int("status_code", statusCode),
		zap.Duration("duration", duration))
	cl.logger.Info("api_exchange", append(fields, cl.payloadFields(payload)...)...)
}

// LogError records a transport failure (statusCode 0) or a non-2xx reply.
func (cl *CommunicationLogger) LogError(method, path string, statusCode int, errorMsg string, requestID string) {
	if !cl.IsEnabled() || !cl.config.LogErrors {
		return
	}
	fields := cl.base("error", method, path, requestID)
	if statusCode != 0 {
		fields = append(fields, zap.Int("status_code", statusCode))
	}
	cl.logger.Info("api_exchange", append(fields, zap.String("error", errorMsg))...)
}

func (cl *CommunicationLogger) base(kind, method, path, requestID string) []zap.Field {
	return []zap.Field{
		zap.String("type", kind),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
	}
}

// payloadFields normalises payload through JSON so typed values and raw
// bodies are scrubbed alike, then applies the size limit.
func (cl *CommunicationLogger) payloadFields(payload interface{}) []zap.Field {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return []zap.Field{zap.String("payload", "marshal_error: "+err.Error())}
	}

	size := zap.Int("payload_size", len(raw))
	if limit := cl.config.MaxPayloadSize; limit > 0 && len(raw) > limit {
		return []zap.Field{
			zap.String("payload", fmt.Sprintf("truncated_payload: %s...", raw[:limit])),
			size,
			zap.Bool("truncated", true),
		}
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return []zap.Field{zap.ByteString("payload", raw), size}
	}
	return []zap.Field{zap.Any("payload", cl.scrub(generic)), size}
}

// scrub replaces the values of sensitive-looking keys at any depth.
func (cl *CommunicationLogger) scrub(v interface{}) interface{} {
	if !cl.redact {
		return v
	}
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if sensitiveKey.MatchString(k) {
				out[k] = redacted
			} else {
				out[k] = cl.scrub(val)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = cl.scrub(val)
		}
		return out
	default:
		return t
	}
}

// scrubHeaders also checks values, which catches credentials under innocuous names.
func (cl *CommunicationLogger) scrubHeaders(h map[string]interface{}) map[string]interface{} {
	if !cl.redact {
		return h
	}
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		s, isString := v.(string)
		if sensitiveKey.MatchString(k) || (isString && sensitiveKey.MatchString(s)) {
			out[k] = redacted
			continue
		}
		out[k] = v
	}
	return out
}

// Close flushes buffered entries.
func (cl *CommunicationLogger) Close() error {
	if cl.logger == nil {
		return nil
	}
	return cl.logger.Sync()
}

func (cl *CommunicationLogger) IsEnabled() bool {
	return cl != nil && cl.logger != nil
}

// GetConfig returns the communication settings, nil when disabled.
func (cl *CommunicationLogger) GetConfig() *config.CommunicationLogConfig {
	return cl.config
}
