package session

import "log/slog"

// SendAll 把同一帧依次发给 targets。单个会话失败只记录日志，不影响其余会话。
func SendAll(targets []*Session, data []byte, logger *slog.Logger) (delivered int) {
	for _, s := range targets {
		if err := s.Send(data); err != nil {
			if logger != nil {
				logger.Warn("Push to session failed",
					"conn_id", s.ID(),
					"user_id", s.UserID(),
					"error", err)
			}
			continue
		}
		delivered++
	}
	return delivered
}
