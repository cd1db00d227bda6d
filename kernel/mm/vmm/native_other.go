//go:build !amd64 && !arm64

package vmm

// NativeArch is the page table format of the machine the kernel runs on.
var NativeArch = X86_64
