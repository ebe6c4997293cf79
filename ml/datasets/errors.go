package datasets

import "fmt"

// InsufficientClassesError reports a partition with fewer classes than the
// requested number of ways.
type InsufficientClassesError struct {
	Partition string
	Have      int
	Need      int
}

func (e *InsufficientClassesError) Error() string {
	return fmt.Sprintf("partition %s has %d classes, episodic sampling needs at least %d (num-ways)",
		e.Partition, e.Have, e.Need)
}

// InsufficientExamplesError reports a class with too few examples for the
// requested support split.
type InsufficientExamplesError struct {
	Partition string
	Class     int
	Have      int
	Need      int
}

func (e *InsufficientExamplesError) Error() string {
	return fmt.Sprintf("partition %s class %d has %d examples, episodic sampling needs at least %d",
		e.Partition, e.Class, e.Have, e.Need)
}
