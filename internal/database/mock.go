package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) ListAccounts(ctx context.Context) ([]User, error) {
	args := m.Called()
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessageById(ctx context.Context, id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetConversation(ctx context.Context, userId, peerId string, before int64, limit int) ([]Message, error) {
	args := m.Called(userId, peerId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRepository) DeleteMessage(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockRepository) MarkConversationRead(ctx context.Context, readerId, peerId string) (int64, error) {
	args := m.Called(readerId, peerId)
	return args.Get(0).(int64), args.Error(1)
}
