package wsconn

import "encoding/json"

// Encoder serializes a value into the text payload of a structured message.
type Encoder func(v any) ([]byte, error)

// Decoder deserializes the text payload of a structured message into v.
type Decoder func(data []byte, v any) error

// JSONEncode is the default Encoder.
func JSONEncode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// JSONDecode is the default Decoder.
func JSONDecode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
