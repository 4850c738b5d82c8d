package logger

import "go.uber.org/zap"

// New builds a zap logger for the given environment. The local environment
// gets the human-readable development encoder, everything else produces
// production JSON output.
func New(env string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)

	switch env {
	case "local":
		log, err = zap.NewDevelopment()
	default:
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}

	return log
}
