package models

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDriver Role = "chofer"
)

type User struct {
	ID          int    `json:"id_usuario"`
	Username    string `json:"usuario"`
	FullName    string `json:"nombre_completo"`
	Email       string `json:"email"`
	Role        Role   `json:"rol"`
	Phone       string `json:"telefono,omitempty"`
	Active      bool   `json:"activo"`
	FirstLogin  bool   `json:"primer_inicio"`
	CompanyID   *int   `json:"id_empresa,omitempty"`
	LastSession string `json:"ultima_sesion,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	User         User   `json:"user"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RefreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type MonitoringStatus struct {
	Status  string `json:"status"`
	User    string `json:"user"`
	Role    Role   `json:"role"`
	Message string `json:"message"`
}
