package rotation

// This file is the single place where coordinate conventions are
// reconciled. The world frame is right-handed: X right, Y up, Z toward the
// viewer. The vision solver reports poses in the usual computer-vision
// frame (X right, Y down, Z forward) and the inertial stack reports the
// device frame. Every sensor/solver boundary goes through one of these
// functions; no other code flips axis signs.

// VisionToWorld converts a rotation vector and translation reported by the
// perspective solver into the world convention by negating the Y and Z
// axes. The solved rotation is returned as a quaternion.
func VisionToWorld(rvec, tvec [3]float64) (Quat, [3]float64) {
	r := [3]float64{rvec[0], -rvec[1], -rvec[2]}
	t := [3]float64{tvec[0], -tvec[1], -tvec[2]}
	return FromRotationVector(r), t
}

// DeviceToWorld remaps a platform attitude quaternion together with the
// matching accelerometer and gyroscope samples into the world convention.
// The device frame shares X with the world frame; Y and Z are mirrored.
func DeviceToWorld(attitude Quat, accel, gyro [3]float64) (Quat, [3]float64, [3]float64) {
	q := Quat{W: attitude.W, X: attitude.X, Y: -attitude.Y, Z: -attitude.Z}
	a := [3]float64{accel[0], -accel[1], -accel[2]}
	w := [3]float64{gyro[0], -gyro[1], -gyro[2]}
	return q.Normalize(), a, w
}
