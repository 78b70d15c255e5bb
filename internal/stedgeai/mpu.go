package stedgeai

import "strings"

// Engine is the MPU execution engine requested from the compiler.
type Engine string

const (
	EngineCPU           Engine = "CPU"
	EngineHWAccelerator Engine = "HW_ACCELERATOR"
)

// MPUTarget is the engine and core count used for an MPU board.
type MPUTarget struct {
	Engine Engine
	Cores  int
}

var mpuTargets = []struct {
	prefix string
	target MPUTarget
}{
	{"STM32MP257", MPUTarget{EngineHWAccelerator, 2}},
	{"STM32MP157", MPUTarget{EngineCPU, 2}},
	{"STM32MP135", MPUTarget{EngineCPU, 1}},
}

// MPUOptions resolves the engine and cores from the board name prefix.
func MPUOptions(board string) MPUTarget {
	b := strings.ToUpper(board)
	for _, t := range mpuTargets {
		if strings.HasPrefix(b, t.prefix) {
			return t.target
		}
	}
	return MPUTarget{EngineCPU, 1}
}
