package domain

import "fmt"

// QualityLevel is the user-facing optimization setting.
type QualityLevel string

const (
	QualityLow      QualityLevel = "low"
	QualityMedium   QualityLevel = "medium"
	QualityHigh     QualityLevel = "high"
	QualityLossless QualityLevel = "lossless"
)

var authQuality = map[QualityLevel]int{
	QualityLow:      40,
	QualityMedium:   70,
	QualityHigh:     85,
	QualityLossless: 95,
}

var publicQuality = map[QualityLevel]int{
	QualityLow:    35,
	QualityMedium: 65,
	QualityHigh:   80,
}

func ParseQualityLevel(s string) (QualityLevel, error) {
	switch q := QualityLevel(s); q {
	case QualityLow, QualityMedium, QualityHigh, QualityLossless:
		return q, nil
	case "":
		return QualityMedium, nil
	}
	return "", fmt.Errorf("unknown quality level %q", s)
}

// QualityFor maps a level to an encoder quality for the surface.
// Public surfaces refuse lossless.
func QualityFor(s Surface, level QualityLevel) (int, error) {
	table := authQuality
	if s.Public() {
		table = publicQuality
	}
	q, ok := table[level]
	if !ok {
		return 0, Errorf(KindFormatUnsupported, "quality level %q is not available", level)
	}
	return q, nil
}
