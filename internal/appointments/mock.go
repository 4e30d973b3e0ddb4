package appointments

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/careline/consult/internal/types"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) GetAppointment(ctx context.Context, id string) (types.Appointment, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Appointment), args.Error(1)
}
