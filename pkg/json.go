package pkg

import (
	"encoding/json"
	"fmt"
)

func JSONUnmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v, data: %s", ErrJSONUnmarshal, err, data)
	}
	return nil
}
