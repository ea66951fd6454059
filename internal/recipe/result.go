package recipe

import (
	"gonum.org/v1/gonum/stat"

	"swimalign/internal/affine"
	"swimalign/internal/swim"
)

// DatetimeLayout is the timestamp format stored in section records.
const DatetimeLayout = "2006-01-02 15:04:05"

// AlignmentResult is the persisted outcome of aligning one section at one
// level. Every affine is always a valid 2x3 matrix.
type AlignmentResult struct {
	Index        int                `json:"index"`
	Datetime     string             `json:"datetime"`
	Method       Method             `json:"method"`
	Complete     bool               `json:"complete"`
	SNR          []float64          `json:"snr"`
	SNRMean      float64            `json:"snr_mean"`
	SNRStdDev    float64            `json:"snr_std_deviation"`
	InitAffine   affine.Affine      `json:"init_afm"`
	AffineMatrix affine.Affine      `json:"affine_matrix"`
	MirAFM       affine.Affine      `json:"mir_afm"`
	MirAIM       affine.Affine      `json:"mir_aim"`
	Ingredients  []IngredientRecord `json:"ingredients"`
	Message      string             `json:"message,omitempty"`
	Errors       []string           `json:"errors,omitempty"`
	Thumbnail    string             `json:"thumbnail,omitempty"`
}

// IngredientRecord is the diagnostic summary of one ingredient. Optional
// matrices are null when the ingredient never produced them.
type IngredientRecord struct {
	Index    int            `json:"index"`
	Mode     Mode           `json:"mode"`
	Label    string         `json:"label"`
	State    State          `json:"state"`
	Window   [2]int         `json:"window"`
	Windows  []int          `json:"windows"`
	Psta     []affine.Point `json:"psta"`
	Pmov     []affine.Point `json:"pmov,omitempty"`
	Afm      affine.Affine  `json:"afm"`
	MirAFM   *affine.Affine `json:"mir_afm"`
	MirAIM   *affine.Affine `json:"mir_aim"`
	SNR      []float64      `json:"snr"`
	Seconds  float64        `json:"seconds"`
	Error    string         `json:"error,omitempty"`
	Args     []string       `json:"args,omitempty"`
	Swim     *swim.Output   `json:"swim,omitempty"`
	Mir      *swim.Output   `json:"mir,omitempty"`
	Signals  []string       `json:"signals,omitempty"`
	Matches  []string       `json:"matches,omitempty"`
	Finished bool           `json:"finished"`
}

// Failed returns the degraded record for a section that could not be
// aligned: identity affines, zero SNR, Complete=false.
func Failed(index int, method Method, message string) AlignmentResult {
	id := affine.Identity()
	return AlignmentResult{
		Index:        index,
		Method:       method,
		Complete:     false,
		SNR:          []float64{0},
		InitAffine:   id,
		AffineMatrix: id,
		MirAFM:       id,
		MirAIM:       id,
		Ingredients:  []IngredientRecord{},
		Message:      message,
	}
}

// snrStats returns the population mean and standard deviation; empty input
// yields zeros.
func snrStats(snr []float64) (mean, std float64) {
	if len(snr) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(snr, nil)
}
