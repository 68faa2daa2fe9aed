package power

type MockADC struct {
	Volts float64
	Err   error
}

func (self *MockADC) ReadVolts() (float64, error) { return self.Volts, self.Err }
