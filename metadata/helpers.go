package metadata

import (
	"encoding/json"

	"gorm.io/datatypes"
)

func decodeUint64Slice(raw datatypes.JSON) []uint64 {
	if len(raw) == 0 {
		return nil
	}
	var values []uint64
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func decodeStringSlice(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func encodeUint64Slice(values []uint64) datatypes.JSON {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func encodeStringSlice(values []string) datatypes.JSON {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
