package config

// Default values mirror the layout of the original single-host deployment.
const (
	DefaultAddr                  = ":5000"
	DefaultStaticDir             = "build"
	DefaultShutdownTimeout       = 15
	DefaultMaxUploadBytes        = 10 << 20
	DefaultStagingFile           = "temp_image.jpg"
	DefaultIntermediateFile      = "chemical_names.txt"
	DefaultFinalFile             = "ans.txt"
	DefaultRecognitionExecutable = "python3"
	DefaultRecognitionScript     = "OCR_text.py"
	DefaultAnalysisExecutable    = "python3"
	DefaultAnalysisScript        = "generate.py"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "auto"
)

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = DefaultStaticDir
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = DefaultShutdownTimeout
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}

	p := &c.Pipeline
	if p.WorkDir == "" {
		p.WorkDir = "."
	}
	if p.Mode == "" {
		p.Mode = ModeIsolated
	}
	if p.StagingFile == "" {
		p.StagingFile = DefaultStagingFile
	}
	if p.IntermediateFile == "" {
		p.IntermediateFile = DefaultIntermediateFile
	}
	if p.FinalFile == "" {
		p.FinalFile = DefaultFinalFile
	}
	if p.RecognitionExecutable == "" {
		p.RecognitionExecutable = DefaultRecognitionExecutable
		if p.RecognitionArgs == nil {
			p.RecognitionArgs = []string{DefaultRecognitionScript}
		}
	}
	if p.AnalysisExecutable == "" {
		p.AnalysisExecutable = DefaultAnalysisExecutable
		if p.AnalysisArgs == nil {
			p.AnalysisArgs = []string{DefaultAnalysisScript}
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}
