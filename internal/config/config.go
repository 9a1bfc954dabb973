package config

const (
	DefaultTimeZone = "Asia/Shanghai"

	// Import pipeline limits
	MaxImportFileBytes  = 10 << 20 // bill exports are capped at 10MB
	HeaderScanRows      = 40
	PreviewSampleRows   = 10
	MaxRetryCount       = 3
	ErrorSamplesPerKind = 3
	StatsWindowDays     = 30

	// Classification thresholds
	ExactMatchConfidence  = 0.8
	FuzzyMatchConfidence  = 0.6
	RuleConfidenceLow     = 0.5
	RuleConfidenceHigh    = 0.6
	ConfidenceCeiling     = 0.95
	ConfidenceFloor       = 0.1
	ConfirmConfidenceStep = 0.10
	CorrectConfidenceStep = 0.05
	LearnedConfidence     = 0.7
	MappingConfidence     = 0.9
	BatchLearnWindowDays  = 90

	// Balance verification
	DefaultTolerance          = 0.01
	MismatchReviewDays        = 7
	MismatchReviewLimit       = 10
	DefaultDuplicateWindowSec = 60
	AutoAcceptConfidence      = 0.8

	// Background job defaults
	DefaultSweepSchedule    = "*/10 * * * *" // stuck-batch liveness sweep
	DefaultLearningSchedule = "0 18 * * *"   // nightly suggestion refresh
	StuckBatchTimeoutMin    = 30
	LearningBatchSize       = 500
)
