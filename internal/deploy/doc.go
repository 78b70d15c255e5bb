// Package deploy installs a compiled model on a target board.
//
// MCU boards get the generated C sources dropped into the board C
// project, which is then built with the IDE in headless mode and
// flashed. MPU boards are Linux systems: the application and model are
// copied over SCP and the command starting the demo is returned.
package deploy
