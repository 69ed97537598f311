package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"maxent/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion is the version stamp written by every encoder.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeCheckpoint(record model.CheckpointRecord) ([]byte, error) {
	if record.RunID == "" {
		return nil, errors.New("checkpoint run id is required")
	}
	record.VersionedRecord = CurrentVersion()
	record.ModelFile.VersionedRecord = CurrentVersion()
	return json.Marshal(record)
}

func DecodeCheckpoint(data []byte) (model.CheckpointRecord, error) {
	var record model.CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.CheckpointRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.CheckpointRecord{}, err
	}
	if err := checkVersion(record.ModelFile.VersionedRecord); err != nil {
		return model.CheckpointRecord{}, fmt.Errorf("model file: %w", err)
	}
	return record, nil
}

func EncodeCostHistory(history model.CostHistory) ([]byte, error) {
	if history.RunID == "" {
		return nil, errors.New("cost history run id is required")
	}
	history.VersionedRecord = CurrentVersion()
	return json.Marshal(history)
}

func DecodeCostHistory(data []byte) (model.CostHistory, error) {
	var history model.CostHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return model.CostHistory{}, err
	}
	if err := checkVersion(history.VersionedRecord); err != nil {
		return model.CostHistory{}, err
	}
	return history, nil
}

func EncodeDensityOfStates(record model.DensityOfStatesRecord) ([]byte, error) {
	if record.RunID == "" {
		return nil, errors.New("density of states run id is required")
	}
	record.VersionedRecord = CurrentVersion()
	return json.Marshal(record)
}

func DecodeDensityOfStates(data []byte) (model.DensityOfStatesRecord, error) {
	var record model.DensityOfStatesRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.DensityOfStatesRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.DensityOfStatesRecord{}, err
	}
	return record, nil
}

// EncodeModelFile writes the indented form used for model files on disk.
func EncodeModelFile(file model.ModelFile) ([]byte, error) {
	file.VersionedRecord = CurrentVersion()
	return json.MarshalIndent(file, "", "  ")
}

// DecodeModelFile accepts unversioned files written by other tools; a
// present but different version is rejected.
func DecodeModelFile(data []byte) (model.ModelFile, error) {
	var file model.ModelFile
	if err := json.Unmarshal(data, &file); err != nil {
		return model.ModelFile{}, err
	}
	if file.VersionedRecord != (model.VersionedRecord{}) {
		if err := checkVersion(file.VersionedRecord); err != nil {
			return model.ModelFile{}, err
		}
	}
	return file, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
