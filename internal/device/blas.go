package device

// blasName is overwritten by blas_netlib.go when system BLAS is linked in.
var blasName = "gonum"

// BLASImplementation names the blas32 implementation in use.
func BLASImplementation() string {
	return blasName
}
