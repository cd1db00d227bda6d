package vmm

// NativeArch is the page table format of the machine the kernel runs on.
var NativeArch = AArch64
