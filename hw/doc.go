// Package hw describes the memory layout shared between user space and the
// fabric hardware: the work-queue and completion-queue entries, the queue
// register page and the rings that hold them.
//
// All structures in this package are overlaid directly onto memory that was
// mapped from the device. They must therefore never be moved or copied by
// value while the hardware may access them.
package hw
