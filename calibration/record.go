package calibration

import (
	"bytes"
	"encoding/json"
	"image"
	"io"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/camcalib/rimage/transform"
)

const (
	// RecordSchemaVersion is the version of the calibration record written by this package.
	RecordSchemaVersion = 1
	// RecordKind identifies a calibration record.
	RecordKind = "checkerboard_calibration"
)

type imageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// record is the persisted form of a Result.
type record struct {
	SchemaVersion         int                      `json:"schema_version"`
	Kind                  string                   `json:"kind"`
	RunID                 string                   `json:"run_id"`
	CreatedAt             time.Time                `json:"created_at"`
	Source                string                   `json:"source"`
	Grid                  GridSpec                 `json:"grid"`
	ImageSize             imageSize                `json:"image_size"`
	CameraMatrix          [3][3]float64            `json:"camera_matrix"`
	DistortionModel       transform.DistortionType `json:"distortion_model"`
	DistCoeffs            []float64                `json:"dist_coeffs"`
	RotationVecs          [][3]float64             `json:"rotation_vecs"`
	TranslationVecs       [][3]float64             `json:"translation_vecs"`
	PerFrameErrors        []float64                `json:"per_frame_errors"`
	FrameIndices          []int                    `json:"frame_indices"`
	MeanReprojectionError float64                  `json:"mean_reprojection_error"`
	ReprojectionRMS       float64                  `json:"reprojection_rms"`
}

// RecordInfo describes the run that produced a stored result.
type RecordInfo struct {
	RunID     string
	CreatedAt time.Time
	Source    string
}

// EncodeRecord writes the result as an indented JSON record. Results with non-finite values
// are refused.
func EncodeRecord(w io.Writer, res Result, info RecordInfo) error {
	if err := res.CheckValid(); err != nil {
		return errors.Wrap(err, "refusing to store calibration")
	}
	dist, err := res.Distortion()
	if err != nil {
		return err
	}
	rec := record{
		SchemaVersion:         RecordSchemaVersion,
		Kind:                  RecordKind,
		RunID:                 info.RunID,
		CreatedAt:             info.CreatedAt.UTC(),
		Source:                info.Source,
		Grid:                  res.Grid,
		ImageSize:             imageSize{Width: res.ImageSize.X, Height: res.ImageSize.Y},
		CameraMatrix:          res.CameraMatrix,
		DistortionModel:       dist.ModelType(),
		DistCoeffs:            res.DistCoeffs,
		RotationVecs:          toArrays(res.RotationVecs),
		TranslationVecs:       toArrays(res.TranslationVecs),
		PerFrameErrors:        res.PerFrameErrors,
		FrameIndices:          res.FrameIndices,
		MeanReprojectionError: res.MeanReprojError,
		ReprojectionRMS:       res.ReprojErrorRMS,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

// DecodeRecord reads a record written by EncodeRecord. Unknown versions and kinds are
// ErrUnsupportedSchema; unknown fields are an error.
func DecodeRecord(r io.Reader) (Result, RecordInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, RecordInfo{}, err
	}
	var header struct {
		SchemaVersion int    `json:"schema_version"`
		Kind          string `json:"kind"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return Result{}, RecordInfo{}, errors.Wrap(err, "decoding calibration record")
	}
	if header.Kind != RecordKind {
		return Result{}, RecordInfo{}, errors.Wrapf(ErrUnsupportedSchema, "kind %q", header.Kind)
	}
	if header.SchemaVersion != RecordSchemaVersion {
		return Result{}, RecordInfo{}, errors.Wrapf(ErrUnsupportedSchema, "schema version %d", header.SchemaVersion)
	}

	var rec record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return Result{}, RecordInfo{}, errors.Wrap(err, "decoding calibration record")
	}
	res := Result{
		ReprojErrorRMS:  rec.ReprojectionRMS,
		CameraMatrix:    rec.CameraMatrix,
		DistCoeffs:      rec.DistCoeffs,
		RotationVecs:    fromArrays(rec.RotationVecs),
		TranslationVecs: fromArrays(rec.TranslationVecs),
		PerFrameErrors:  rec.PerFrameErrors,
		MeanReprojError: rec.MeanReprojectionError,
		FrameIndices:    rec.FrameIndices,
		ImageSize:       image.Pt(rec.ImageSize.Width, rec.ImageSize.Height),
		Grid:            rec.Grid,
	}
	if err := res.CheckValid(); err != nil {
		return Result{}, RecordInfo{}, errors.Wrap(err, "invalid calibration record")
	}
	if rec.DistortionModel != "" {
		dist, err := transform.NewDistorter(rec.DistortionModel, rec.DistCoeffs)
		if err != nil {
			return Result{}, RecordInfo{}, errors.Wrap(err, "invalid calibration record")
		}
		if dist.ModelType() != rec.DistortionModel {
			return Result{}, RecordInfo{}, errors.Errorf("record says %q distortion but has %d coefficients",
				rec.DistortionModel, len(rec.DistCoeffs))
		}
	}
	return res, RecordInfo{RunID: rec.RunID, CreatedAt: rec.CreatedAt, Source: rec.Source}, nil
}

func toArrays(vs []r3.Vector) [][3]float64 {
	out := make([][3]float64, len(vs))
	for i, v := range vs {
		out[i] = [3]float64{v.X, v.Y, v.Z}
	}
	return out
}

func fromArrays(as [][3]float64) []r3.Vector {
	out := make([]r3.Vector, len(as))
	for i, a := range as {
		out[i] = r3.Vector{X: a[0], Y: a[1], Z: a[2]}
	}
	return out
}
