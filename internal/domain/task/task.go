package task

import "encoding/json"

type Task interface {
	TaskType() string
	TaskValue() ([]byte, error)
}

// DefaultTaskValue provides a common implementation for TaskValue
func DefaultTaskValue(task interface{}) ([]byte, error) {
	return json.Marshal(task)
}

// UnmarshalTask decodes a task payload. T is a pointer type such as
// *PageRetryTask; the pointee is allocated before decoding.
func UnmarshalTask[T any, PT interface {
	*T
	Task
}](data []byte) (PT, error) {
	t := PT(new(T))
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}
