package gate

// Entry stubs for the CPU exception vectors, implemented in gate_amd64.s.
// Their addresses are collected by fillStubs; they are never called from Go.

func vector0()
func vector1()
func vector2()
func vector3()
func vector4()
func vector5()
func vector6()
func vector7()
func vector8()
func vector9()
func vector10()
func vector11()
func vector12()
func vector13()
func vector14()
func vector15()
func vector16()
func vector17()
func vector18()
func vector19()
func vector20()
func vector21()
func vector22()
func vector23()
func vector24()
func vector25()
func vector26()
func vector27()
func vector28()
func vector29()
func vector30()
func vector31()
